// Package usb adapts a physical MTP device, reached through go-mtpfs, to
// device.Device.
package usb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hanwen/go-mtpfs/mtp"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/logging"
	"github.com/fruitsalade/mtpfs/internal/retry"
)

// noParent is the protocol's handle for "top of the storage".
const noParent = 0xFFFFFFFF

// sniffLen is how much content is inspected to pick an object format.
const sniffLen = 512

// Device is a device.Device over one MTP session. It is not safe for
// concurrent use; wrap it in device.Serialized.
type Device struct {
	dev *mtp.Device

	mu     sync.Mutex
	closed bool
}

var _ device.Device = (*Device)(nil)

// Open selects the device whose USB id matches pattern (empty matches the
// only attached device) and opens a session on it.
func Open(pattern string) (*Device, error) {
	dev, err := mtp.SelectDevice(pattern)
	if err != nil {
		return nil, fmt.Errorf("select device: %w", err)
	}
	if err := dev.Configure(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure device: %w", err)
	}
	logging.Info("mtp device opened", logging.String("match", pattern))
	return &Device{dev: dev}, nil
}

func (d *Device) check(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return device.ErrDeviceDisconnected
	}
	return ctx.Err()
}

func (d *Device) ListStorages(ctx context.Context) ([]device.StorageInfo, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	var ids mtp.Uint32Array
	if err := d.dev.GetStorageIDs(&ids); err != nil {
		return nil, mapError("get storage ids", err)
	}

	storages := make([]device.StorageInfo, 0, len(ids.Values))
	for _, id := range ids.Values {
		var si mtp.StorageInfo
		if err := d.dev.GetStorageInfo(id, &si); err != nil {
			return nil, mapError(fmt.Sprintf("get storage info %d", id), err)
		}
		storages = append(storages, device.StorageInfo{
			ID:          device.NodeID(id),
			Description: si.StorageDescription,
			FreeSpace:   si.FreeSpaceInBytes,
			MaxCapacity: si.MaxCapability,
		})
	}
	return storages, nil
}

// ListChildren lists folderID, or the top of the storage for
// device.TopLevel, which is the protocol's own top-level handle.
func (d *Device) ListChildren(ctx context.Context, storageID, folderID device.NodeID) ([]device.FileInfo, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	var handles mtp.Uint32Array
	if err := d.dev.GetObjectHandles(uint32(storageID), 0, uint32(folderID), &handles); err != nil {
		return nil, mapError(fmt.Sprintf("list children of %d", folderID), err)
	}

	children := make([]device.FileInfo, 0, len(handles.Values))
	for _, h := range handles.Values {
		fi, err := d.objectInfo(h)
		if err != nil {
			return nil, err
		}
		children = append(children, fi)
	}
	return children, nil
}

func (d *Device) GetObjectMetadata(ctx context.Context, id device.NodeID) (device.FileInfo, error) {
	if err := d.check(ctx); err != nil {
		return device.FileInfo{}, err
	}
	return d.objectInfo(uint32(id))
}

func (d *Device) objectInfo(handle uint32) (device.FileInfo, error) {
	var oi mtp.ObjectInfo
	if err := d.dev.GetObjectInfo(handle, &oi); err != nil {
		return device.FileInfo{}, mapError(fmt.Sprintf("object info %d", handle), err)
	}
	fi := toFileInfo(handle, &oi)

	// Objects over 4GB report a saturated size in the object info.
	if oi.CompressedSize == 0xFFFFFFFF {
		var size mtp.Uint64Value
		if err := d.dev.GetObjectPropValue(handle, mtp.OPC_ObjectSize, &size); err != nil {
			return device.FileInfo{}, mapError(fmt.Sprintf("object size %d", handle), err)
		}
		fi.Size = size.Value
	}
	return fi, nil
}

func (d *Device) Download(ctx context.Context, id device.NodeID, w io.Writer) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	if err := d.dev.GetObject(uint32(id), w); err != nil {
		return mapError(fmt.Sprintf("download %d", id), err)
	}
	return nil
}

// Upload sends the object info and then the content. The object format is
// chosen from the content type detected in the first bytes.
func (d *Device) Upload(ctx context.Context, r io.Reader, size int64, dest device.FileInfo) (device.FileInfo, error) {
	if err := d.check(ctx); err != nil {
		return device.FileInfo{}, err
	}

	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return device.FileInfo{}, fmt.Errorf("read upload content: %w", err)
	}
	contentType := dest.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}

	parent := uint32(dest.ParentID)
	if parent == 0 {
		parent = noParent
	}
	info := mtp.ObjectInfo{
		StorageID:        uint32(dest.StorageID),
		ObjectFormat:     formatFor(contentType),
		ParentObject:     parent,
		Filename:         dest.Name,
		CompressedSize:   compressedSize(size),
		ModificationDate: time.Now(),
	}
	_, _, handle, err := d.dev.SendObjectInfo(uint32(dest.StorageID), parent, &info)
	if err != nil {
		return device.FileInfo{}, mapError(fmt.Sprintf("send object info %q", dest.Name), err)
	}
	if err := d.dev.SendObject(br, size); err != nil {
		return device.FileInfo{}, mapError(fmt.Sprintf("send object %q", dest.Name), err)
	}

	fi, err := d.objectInfo(handle)
	if err != nil {
		return device.FileInfo{}, err
	}
	fi.ContentType = contentType
	return fi, nil
}

func (d *Device) CreateFolder(ctx context.Context, name string, parentID, storageID device.NodeID) (device.NodeID, error) {
	if err := d.check(ctx); err != nil {
		return 0, err
	}
	parent := uint32(parentID)
	if parent == 0 {
		parent = noParent
	}
	info := mtp.ObjectInfo{
		StorageID:        uint32(storageID),
		ObjectFormat:     mtp.OFC_Association,
		ParentObject:     parent,
		Filename:         name,
		ModificationDate: time.Now(),
	}
	_, _, handle, err := d.dev.SendObjectInfo(uint32(storageID), parent, &info)
	if err != nil {
		return 0, mapError(fmt.Sprintf("create folder %q", name), err)
	}
	return device.NodeID(handle), nil
}

func (d *Device) DeleteObject(ctx context.Context, id device.NodeID) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	if err := d.dev.DeleteObject(uint32(id)); err != nil {
		return mapError(fmt.Sprintf("delete %d", id), err)
	}
	return nil
}

func (d *Device) RenameObject(ctx context.Context, id device.NodeID, newName string) error {
	return d.SetObjectProperty(ctx, id, device.PropertyName, newName)
}

// SetObjectProperty supports the object name only. The object format is
// fixed once the object exists.
func (d *Device) SetObjectProperty(ctx context.Context, id device.NodeID, prop device.Property, value string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	if prop != device.PropertyName {
		return device.NewDeviceError(device.CodeGeneralError, "property %q cannot be set on %d", prop, id)
	}
	err := d.dev.SetObjectPropValue(uint32(id), mtp.OPC_ObjectFileName, &mtp.StringValue{Value: value})
	if err != nil {
		return mapError(fmt.Sprintf("rename %d", id), err)
	}
	return nil
}

// Close ends the session. Later calls fail with ErrDeviceDisconnected.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.dev.Close()
}

func toFileInfo(handle uint32, oi *mtp.ObjectInfo) device.FileInfo {
	parent := oi.ParentObject
	if parent == noParent {
		parent = 0
	}
	kind := device.KindRegular
	if oi.ObjectFormat == mtp.OFC_Association {
		kind = device.KindFolder
	}
	fi := device.FileInfo{
		ID:        device.NodeID(handle),
		ParentID:  device.NodeID(parent),
		StorageID: device.NodeID(oi.StorageID),
		Name:      oi.Filename,
		Kind:      kind,
		ModTime:   oi.ModificationDate,
	}
	if kind == device.KindRegular {
		fi.Size = uint64(oi.CompressedSize)
	}
	return fi
}

func compressedSize(size int64) uint32 {
	if size >= 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(size)
}

// formatFor maps a MIME type to an object format code.
func formatFor(contentType string) uint16 {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(mediaType) {
	case "text/plain":
		return mtp.OFC_Text
	case "text/html":
		return mtp.OFC_HTML
	case "image/jpeg":
		return mtp.OFC_EXIF_JPEG
	case "image/png":
		return mtp.OFC_PNG
	case "image/gif":
		return mtp.OFC_GIF
	case "audio/mpeg":
		return mtp.OFC_MP3
	case "audio/wave":
		return mtp.OFC_WAV
	default:
		return mtp.OFC_Undefined
	}
}

// mapError turns go-mtpfs failures into the device error taxonomy.
func mapError(op string, err error) error {
	var rc mtp.RCError
	if errors.As(err, &rc) {
		if uint16(rc) == device.CodeInvalidObjectHandle {
			return fmt.Errorf("%s: %w", op, device.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, device.NewDeviceError(uint16(rc), "%v", rc))
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no device") || strings.Contains(msg, "no such device") {
		logging.Error("device disconnected", logging.String("op", op), logging.Err(err))
		return fmt.Errorf("%s: %w: %v", op, device.ErrDeviceDisconnected, err)
	}
	if strings.Contains(msg, "timeout") {
		return retry.Retryable(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
