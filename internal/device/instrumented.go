package device

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/fruitsalade/mtpfs/internal/metrics"
)

// Instrumented wraps a Device with metrics recording.
type Instrumented struct {
	dev Device
}

var _ Device = (*Instrumented)(nil)

// NewInstrumented creates a new instrumented device wrapper.
func NewInstrumented(dev Device) *Instrumented {
	return &Instrumented{dev: dev}
}

func record(op string, start time.Time, err error) {
	metrics.RecordDeviceCall(op, err, time.Since(start))
	if errors.Is(err, ErrDeviceDisconnected) {
		metrics.RecordDisconnect()
	}
}

func (d *Instrumented) ListStorages(ctx context.Context) ([]StorageInfo, error) {
	start := time.Now()
	s, err := d.dev.ListStorages(ctx)
	record("list_storages", start, err)
	return s, err
}

func (d *Instrumented) ListChildren(ctx context.Context, storageID, folderID NodeID) ([]FileInfo, error) {
	start := time.Now()
	c, err := d.dev.ListChildren(ctx, storageID, folderID)
	record("list_children", start, err)
	return c, err
}

func (d *Instrumented) GetObjectMetadata(ctx context.Context, id NodeID) (FileInfo, error) {
	start := time.Now()
	fi, err := d.dev.GetObjectMetadata(ctx, id)
	record("get_object_metadata", start, err)
	return fi, err
}

func (d *Instrumented) Download(ctx context.Context, id NodeID, w io.Writer) error {
	start := time.Now()
	cw := &countingWriter{w: w}
	err := d.dev.Download(ctx, id, cw)
	record("download", start, err)
	metrics.RecordDownload(cw.n)
	return err
}

func (d *Instrumented) Upload(ctx context.Context, r io.Reader, size int64, dest FileInfo) (FileInfo, error) {
	start := time.Now()
	fi, err := d.dev.Upload(ctx, r, size, dest)
	record("upload", start, err)
	if err == nil {
		metrics.RecordUpload(size)
	}
	return fi, err
}

func (d *Instrumented) CreateFolder(ctx context.Context, name string, parentID, storageID NodeID) (NodeID, error) {
	start := time.Now()
	id, err := d.dev.CreateFolder(ctx, name, parentID, storageID)
	record("create_folder", start, err)
	return id, err
}

func (d *Instrumented) DeleteObject(ctx context.Context, id NodeID) error {
	start := time.Now()
	err := d.dev.DeleteObject(ctx, id)
	record("delete_object", start, err)
	return err
}

func (d *Instrumented) RenameObject(ctx context.Context, id NodeID, newName string) error {
	start := time.Now()
	err := d.dev.RenameObject(ctx, id, newName)
	record("rename_object", start, err)
	return err
}

func (d *Instrumented) SetObjectProperty(ctx context.Context, id NodeID, prop Property, value string) error {
	start := time.Now()
	err := d.dev.SetObjectProperty(ctx, id, prop, value)
	record("set_object_property", start, err)
	return err
}

func (d *Instrumented) Close() error {
	return d.dev.Close()
}
