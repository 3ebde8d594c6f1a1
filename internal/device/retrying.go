package device

import (
	"context"
	"io"

	"github.com/fruitsalade/mtpfs/internal/retry"
)

// Retrying retries the read-only calls of a Device when the device reports
// a transient condition (busy, transaction canceled) or the adapter marked
// the error with retry.Retryable. Mutating calls are
// passed straight through: repeating a create or delete that may have
// reached the device is not safe.
type Retrying struct {
	Device
	cfg retry.Config
}

var _ Device = (*Retrying)(nil)

// NewRetrying wraps dev. cfg.ShouldRetry is replaced by shouldRetry.
func NewRetrying(dev Device, cfg retry.Config) *Retrying {
	cfg.ShouldRetry = shouldRetry
	return &Retrying{Device: dev, cfg: cfg}
}

func shouldRetry(err error) bool {
	return IsTransient(err) || retry.IsRetryable(err)
}

func (r *Retrying) ListStorages(ctx context.Context) ([]StorageInfo, error) {
	return retry.DoWithResult(ctx, r.cfg, func() ([]StorageInfo, error) {
		return r.Device.ListStorages(ctx)
	})
}

func (r *Retrying) ListChildren(ctx context.Context, storageID, folderID NodeID) ([]FileInfo, error) {
	return retry.DoWithResult(ctx, r.cfg, func() ([]FileInfo, error) {
		return r.Device.ListChildren(ctx, storageID, folderID)
	})
}

func (r *Retrying) GetObjectMetadata(ctx context.Context, id NodeID) (FileInfo, error) {
	return retry.DoWithResult(ctx, r.cfg, func() (FileInfo, error) {
		return r.Device.GetObjectMetadata(ctx, id)
	})
}

// Download is retried only while nothing has been written to w.
func (r *Retrying) Download(ctx context.Context, id NodeID, w io.Writer) error {
	cw := &countingWriter{w: w}
	cfg := r.cfg
	cfg.ShouldRetry = func(err error) bool {
		return cw.n == 0 && shouldRetry(err)
	}
	return retry.Do(ctx, cfg, func() error {
		return r.Device.Download(ctx, id, cw)
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
