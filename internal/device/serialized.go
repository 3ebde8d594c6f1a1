package device

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Serialized guards a Device with the global device lock. The channel
// underneath is single-connection and non-reentrant, so exactly one call is
// in flight at any time no matter how many filesystem calls are dispatched.
//
// Metadata calls run with a timeout. A caller whose context expires gets an
// error straight away, but the lock stays held until the device call itself
// returns. Bulk transfers (Download, Upload) take as long as the content
// needs: they run on the caller's goroutine under the caller's context, so
// the reader or writer they use stays valid until the device is done.
type Serialized struct {
	dev     Device
	lock    chan struct{}
	timeout time.Duration
}

var _ Device = (*Serialized)(nil)

// NewSerialized wraps dev. A zero timeout disables the per-call deadline.
func NewSerialized(dev Device, timeout time.Duration) *Serialized {
	return &Serialized{
		dev:     dev,
		lock:    make(chan struct{}, 1),
		timeout: timeout,
	}
}

func locked[T any](s *Serialized, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: waiting for device: %w", op, ctx.Err())
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-s.lock }()
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		cancel()
		return r.v, r.err
	case <-callCtx.Done():
		err := callCtx.Err()
		cancel()
		return zero, fmt.Errorf("%s: %w", op, err)
	}
}

func lockedBulk(s *Serialized, ctx context.Context, op string, fn func(context.Context) error) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: waiting for device: %w", op, ctx.Err())
	}
	defer func() { <-s.lock }()
	return fn(ctx)
}

func lockedErr(s *Serialized, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := locked(s, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *Serialized) ListStorages(ctx context.Context) ([]StorageInfo, error) {
	return locked(s, ctx, "list storages", s.dev.ListStorages)
}

func (s *Serialized) ListChildren(ctx context.Context, storageID, folderID NodeID) ([]FileInfo, error) {
	return locked(s, ctx, "list children", func(ctx context.Context) ([]FileInfo, error) {
		return s.dev.ListChildren(ctx, storageID, folderID)
	})
}

func (s *Serialized) GetObjectMetadata(ctx context.Context, id NodeID) (FileInfo, error) {
	return locked(s, ctx, "get object metadata", func(ctx context.Context) (FileInfo, error) {
		return s.dev.GetObjectMetadata(ctx, id)
	})
}

func (s *Serialized) Download(ctx context.Context, id NodeID, w io.Writer) error {
	return lockedBulk(s, ctx, "download", func(ctx context.Context) error {
		return s.dev.Download(ctx, id, w)
	})
}

func (s *Serialized) Upload(ctx context.Context, r io.Reader, size int64, dest FileInfo) (FileInfo, error) {
	var fi FileInfo
	err := lockedBulk(s, ctx, "upload", func(ctx context.Context) error {
		var err error
		fi, err = s.dev.Upload(ctx, r, size, dest)
		return err
	})
	return fi, err
}

func (s *Serialized) CreateFolder(ctx context.Context, name string, parentID, storageID NodeID) (NodeID, error) {
	return locked(s, ctx, "create folder", func(ctx context.Context) (NodeID, error) {
		return s.dev.CreateFolder(ctx, name, parentID, storageID)
	})
}

func (s *Serialized) DeleteObject(ctx context.Context, id NodeID) error {
	return lockedErr(s, ctx, "delete object", func(ctx context.Context) error {
		return s.dev.DeleteObject(ctx, id)
	})
}

func (s *Serialized) RenameObject(ctx context.Context, id NodeID, newName string) error {
	return lockedErr(s, ctx, "rename object", func(ctx context.Context) error {
		return s.dev.RenameObject(ctx, id, newName)
	})
}

func (s *Serialized) SetObjectProperty(ctx context.Context, id NodeID, prop Property, value string) error {
	return lockedErr(s, ctx, "set object property", func(ctx context.Context) error {
		return s.dev.SetObjectProperty(ctx, id, prop, value)
	})
}

// Close waits for any in-flight call before closing the device.
func (s *Serialized) Close() error {
	s.lock <- struct{}{}
	defer func() { <-s.lock }()
	return s.dev.Close()
}
