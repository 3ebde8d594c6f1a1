package mtpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/logging"
)

// LocalFileCopy stages the content of one device object in a temp file.
// The device has no partial write, so reads and writes go to the temp file
// and the whole content is uploaded when the last handle closes.
type LocalFileCopy struct {
	dev  device.Device
	info device.FileInfo

	mu       sync.Mutex
	temp     *os.File
	dirty    bool
	orphaned bool
}

// openLocalFileCopy creates the temp file and downloads the object into it.
func openLocalFileCopy(ctx context.Context, dev device.Device, id device.NodeID, dir string) (*LocalFileCopy, error) {
	info, err := dev.GetObjectMetadata(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stage %d: %w", id, err)
	}

	lfc, err := newLocalFileCopy(dev, info, dir)
	if err != nil {
		return nil, err
	}
	if info.Size > 0 {
		if err := dev.Download(ctx, id, lfc.temp); err != nil {
			lfc.discard()
			return nil, fmt.Errorf("download %d: %w", id, err)
		}
	}
	return lfc, nil
}

func newLocalFileCopy(dev device.Device, info device.FileInfo, dir string) (*LocalFileCopy, error) {
	temp, err := os.CreateTemp(dir, "mtpfs-stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &LocalFileCopy{dev: dev, info: info, temp: temp}, nil
}

// ID returns the id of the staged object.
func (l *LocalFileCopy) ID() device.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info.ID
}

// ReadAt reads from the staged content. Reading at or past the end returns
// 0 bytes and no error.
func (l *LocalFileCopy) ReadAt(p []byte, off int64) (int, error) {
	n, err := l.temp.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// WriteAt writes to the staged content and marks it dirty.
func (l *LocalFileCopy) WriteAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
	return l.temp.WriteAt(p, off)
}

// Truncate resizes the staged content and marks it dirty.
func (l *LocalFileCopy) Truncate(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = true
	return l.temp.Truncate(size)
}

// Size returns the current size of the staged content.
func (l *LocalFileCopy) Size() int64 {
	fi, err := l.temp.Stat()
	if err != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return int64(l.info.Size)
	}
	return fi.Size()
}

// Dirty reports whether the content changed since it was staged.
func (l *LocalFileCopy) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// tempName is the name a replacement is uploaded under before the original
// is deleted.
func tempName(id device.NodeID) string {
	return fmt.Sprintf(".mtpfs-%08x.tmp", uint32(id))
}

// commit replaces the original object with dirty content and removes the
// temp file. It returns the id the device assigned to the replacement.
//
// The replacement is uploaded under a temporary name first, so the original
// stays on the device until the new content is complete. A copy whose
// object was unlinked while open is discarded.
func (l *LocalFileCopy) commit(ctx context.Context) (device.NodeID, error) {
	defer l.discard()

	l.mu.Lock()
	info, dirty, orphaned := l.info, l.dirty, l.orphaned
	l.mu.Unlock()

	if orphaned {
		logging.Debug("discarding staged copy of unlinked file", logging.Uint32("id", uint32(info.ID)))
		return info.ID, nil
	}
	if !dirty {
		return info.ID, nil
	}

	dest := info
	dest.Name = tempName(info.ID)
	uploaded, err := l.upload(ctx, dest)
	if err != nil {
		return info.ID, err
	}

	if err := l.dev.DeleteObject(ctx, info.ID); err != nil {
		if delErr := l.dev.DeleteObject(ctx, uploaded.ID); delErr != nil {
			logging.Warn("failed to remove replacement upload",
				logging.String("name", dest.Name),
				logging.Uint32("id", uint32(uploaded.ID)),
				logging.Err(delErr),
			)
		}
		return info.ID, fmt.Errorf("replace %d: %w", info.ID, err)
	}

	if err := l.dev.RenameObject(ctx, uploaded.ID, info.Name); err != nil {
		logging.Error("replacement uploaded but not renamed",
			logging.String("name", info.Name),
			logging.String("temp_name", dest.Name),
			logging.Uint32("id", uint32(uploaded.ID)),
			logging.Err(err),
		)
		return uploaded.ID, fmt.Errorf("rename replacement %d to %q: %w", uploaded.ID, info.Name, err)
	}

	logging.Debug("staged file uploaded",
		logging.String("name", info.Name),
		logging.Uint32("old_id", uint32(info.ID)),
		logging.Uint32("new_id", uint32(uploaded.ID)),
		logging.Int64("size", int64(uploaded.Size)),
	)
	return uploaded.ID, nil
}

// renamed records an in-place rename of the staged object.
func (l *LocalFileCopy) renamed(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.Name = name
}

// moved records that the staged content now lives in the object described
// by info. Later writes replace that object.
func (l *LocalFileCopy) moved(info device.FileInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info = info
}

// orphan marks the staged object as unlinked; commit will not upload it.
func (l *LocalFileCopy) orphan() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphaned = true
}

// markClean clears the dirty flag and returns its previous value.
func (l *LocalFileCopy) markClean() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.dirty
	l.dirty = false
	return was
}

func (l *LocalFileCopy) markDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = true
}

// upload sends the staged content as a new object described by dest.
func (l *LocalFileCopy) upload(ctx context.Context, dest device.FileInfo) (device.FileInfo, error) {
	size := l.Size()
	uploaded, err := l.dev.Upload(ctx, io.NewSectionReader(l.temp, 0, size), size, dest)
	if err != nil {
		return device.FileInfo{}, fmt.Errorf("upload %q: %w", dest.Name, err)
	}
	return uploaded, nil
}

func (l *LocalFileCopy) discard() {
	name := l.temp.Name()
	l.temp.Close()
	os.Remove(name)
}
