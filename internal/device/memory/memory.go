// Package memory provides an in-memory device. It backs the test suites and
// the "memory" device of the mtpfs command, which mounts without hardware.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/mtpfs/internal/device"
)

// Op names used by the call counters.
const (
	OpListStorages      = "ListStorages"
	OpListChildren      = "ListChildren"
	OpGetObjectMetadata = "GetObjectMetadata"
	OpDownload          = "Download"
	OpUpload            = "Upload"
	OpCreateFolder      = "CreateFolder"
	OpDeleteObject      = "DeleteObject"
	OpRenameObject      = "RenameObject"
	OpSetObjectProperty = "SetObjectProperty"
)

type object struct {
	info device.FileInfo
	data []byte
}

// Device is an in-memory device.Device.
type Device struct {
	mu       sync.Mutex
	storages []device.StorageInfo
	objects  map[device.NodeID]*object
	nextID   device.NodeID
	calls    map[string]int
	failures map[string][]error
	closed   bool

	// Hook, when set, runs at the start of every call with the op name.
	Hook func(op string)
}

var _ device.Device = (*Device)(nil)

// New returns an empty device.
func New() *Device {
	return &Device{
		objects:  make(map[device.NodeID]*object),
		nextID:   1,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// NewDemo returns a device with one storage and a few objects.
func NewDemo() *Device {
	d := New()
	s := d.AddStorage("Internal Storage", 8<<30)
	dcim := d.AddFolder(s, 0, "DCIM")
	camera := d.AddFolder(s, dcim, "Camera")
	d.AddFile(s, camera, "IMG_0001.txt", []byte("not really a picture\n"))
	d.AddFolder(s, 0, "Music")
	d.AddFile(s, 0, "readme.txt", []byte("mounted by mtpfs\n"))
	card := d.AddStorage("SD Card", 32<<30)
	d.AddFolder(card, 0, "Backups")
	return d
}

// AddStorage adds a storage volume and returns its id.
func (d *Device) AddStorage(description string, capacity uint64) device.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := device.NodeID(0x00010001 + len(d.storages)*0x00010000)
	d.storages = append(d.storages, device.StorageInfo{
		ID:          id,
		Description: description,
		FreeSpace:   capacity,
		MaxCapacity: capacity,
	})
	return id
}

// AddFolder adds a folder. parent 0 places it at the top of the storage.
func (d *Device) AddFolder(storageID, parent device.NodeID, name string) device.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(device.FileInfo{
		ParentID:  parent,
		StorageID: storageID,
		Name:      name,
		Kind:      device.KindFolder,
	}, nil)
}

// AddFile adds a regular file. parent 0 places it at the top of the storage.
func (d *Device) AddFile(storageID, parent device.NodeID, name string, data []byte) device.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(device.FileInfo{
		ParentID:  parent,
		StorageID: storageID,
		Name:      name,
		Kind:      device.KindRegular,
	}, data)
}

func (d *Device) addLocked(info device.FileInfo, data []byte) device.NodeID {
	info.ID = d.nextID
	d.nextID++
	info.Size = uint64(len(data))
	if info.ModTime.IsZero() {
		info.ModTime = time.Now().Truncate(time.Second)
	}
	d.objects[info.ID] = &object{info: info, data: append([]byte(nil), data...)}
	d.adjustFreeLocked(info.StorageID, -int64(len(data)))
	return info.ID
}

func (d *Device) adjustFreeLocked(storageID device.NodeID, delta int64) {
	for i := range d.storages {
		if d.storages[i].ID == storageID {
			d.storages[i].FreeSpace = uint64(int64(d.storages[i].FreeSpace) + delta)
			return
		}
	}
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (d *Device) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

// Calls returns how many times op was called.
func (d *Device) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// TotalCalls returns the number of calls across all ops.
func (d *Device) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.calls {
		total += n
	}
	return total
}

// ResetCalls zeroes the call counters.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
}

// Content returns a copy of an object's bytes.
func (d *Device) Content(id device.NodeID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Lookup finds an object by parent and name.
func (d *Device) Lookup(storageID, parent device.NodeID, name string) (device.FileInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.objects {
		if o.info.StorageID == storageID && o.info.ParentID == parent && o.info.Name == name {
			return o.info, true
		}
	}
	return device.FileInfo{}, false
}

// beginLocked counts the call and returns an injected failure, if any.
// Must be called with d.mu held.
func (d *Device) beginLocked(op string) error {
	d.calls[op]++
	if d.closed {
		return device.ErrDeviceDisconnected
	}
	if queue := d.failures[op]; len(queue) > 0 {
		err := queue[0]
		d.failures[op] = queue[1:]
		return err
	}
	return nil
}

// begin runs the hook and locks d.mu; callers unlock.
func (d *Device) begin(op string) error {
	if d.Hook != nil {
		d.Hook(op)
	}
	d.mu.Lock()
	return d.beginLocked(op)
}

func (d *Device) ListStorages(ctx context.Context) ([]device.StorageInfo, error) {
	err := d.begin(OpListStorages)
	defer d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append([]device.StorageInfo(nil), d.storages...), nil
}

func (d *Device) ListChildren(ctx context.Context, storageID, folderID device.NodeID) ([]device.FileInfo, error) {
	err := d.begin(OpListChildren)
	defer d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	parent := folderID
	if folderID == device.TopLevel {
		parent = 0
	} else if _, ok := d.objects[folderID]; !ok {
		return nil, fmt.Errorf("list children of %d: %w", folderID, device.ErrNotFound)
	}

	var result []device.FileInfo
	for _, o := range d.objects {
		if o.info.StorageID == storageID && o.info.ParentID == parent {
			result = append(result, o.info)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *Device) GetObjectMetadata(ctx context.Context, id device.NodeID) (device.FileInfo, error) {
	err := d.begin(OpGetObjectMetadata)
	defer d.mu.Unlock()
	if err != nil {
		return device.FileInfo{}, err
	}
	o, ok := d.objects[id]
	if !ok {
		return device.FileInfo{}, fmt.Errorf("object %d: %w", id, device.ErrNotFound)
	}
	return o.info, nil
}

func (d *Device) Download(ctx context.Context, id device.NodeID, w io.Writer) error {
	err := d.begin(OpDownload)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	o, ok := d.objects[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("download %d: %w", id, device.ErrNotFound)
	}
	data := append([]byte(nil), o.data...)
	d.mu.Unlock()

	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

func (d *Device) Upload(ctx context.Context, r io.Reader, size int64, dest device.FileInfo) (device.FileInfo, error) {
	data, readErr := io.ReadAll(io.LimitReader(r, size))

	err := d.begin(OpUpload)
	defer d.mu.Unlock()
	if err != nil {
		return device.FileInfo{}, err
	}
	if readErr != nil {
		return device.FileInfo{}, fmt.Errorf("read upload content: %w", readErr)
	}
	if int64(len(data)) != size {
		return device.FileInfo{}, device.NewDeviceError(device.CodeGeneralError, "short upload: %d of %d bytes", len(data), size)
	}
	if err := d.checkParentLocked(dest.ParentID, dest.StorageID); err != nil {
		return device.FileInfo{}, err
	}

	info := device.FileInfo{
		ParentID:    dest.ParentID,
		StorageID:   dest.StorageID,
		Name:        dest.Name,
		Kind:        device.KindRegular,
		ModTime:     time.Now().Truncate(time.Second),
		ContentType: dest.ContentType,
	}
	info.ID = d.addLocked(info, data)
	return d.objects[info.ID].info, nil
}

func (d *Device) checkParentLocked(parent, storageID device.NodeID) error {
	if !d.hasStorageLocked(storageID) {
		return fmt.Errorf("storage %d: %w", storageID, device.ErrStorageNotFound)
	}
	if parent == 0 {
		return nil
	}
	p, ok := d.objects[parent]
	if !ok {
		return fmt.Errorf("parent %d: %w", parent, device.ErrNotFound)
	}
	if !p.info.IsFolder() || p.info.StorageID != storageID {
		return device.NewDeviceError(device.CodeGeneralError, "invalid parent %d", parent)
	}
	return nil
}

func (d *Device) hasStorageLocked(id device.NodeID) bool {
	for _, s := range d.storages {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (d *Device) CreateFolder(ctx context.Context, name string, parentID, storageID device.NodeID) (device.NodeID, error) {
	err := d.begin(OpCreateFolder)
	defer d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := d.checkParentLocked(parentID, storageID); err != nil {
		return 0, err
	}
	return d.addLocked(device.FileInfo{
		ParentID:  parentID,
		StorageID: storageID,
		Name:      name,
		Kind:      device.KindFolder,
	}, nil), nil
}

// DeleteObject removes an object. Folders are removed with their contents,
// as most devices do.
func (d *Device) DeleteObject(ctx context.Context, id device.NodeID) error {
	err := d.begin(OpDeleteObject)
	defer d.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := d.objects[id]; !ok {
		return fmt.Errorf("delete %d: %w", id, device.ErrNotFound)
	}
	d.deleteLocked(id)
	return nil
}

func (d *Device) deleteLocked(id device.NodeID) {
	for childID, o := range d.objects {
		if o.info.ParentID == id {
			d.deleteLocked(childID)
		}
	}
	o := d.objects[id]
	d.adjustFreeLocked(o.info.StorageID, int64(len(o.data)))
	delete(d.objects, id)
}

func (d *Device) RenameObject(ctx context.Context, id device.NodeID, newName string) error {
	err := d.begin(OpRenameObject)
	defer d.mu.Unlock()
	if err != nil {
		return err
	}
	o, ok := d.objects[id]
	if !ok {
		return fmt.Errorf("rename %d: %w", id, device.ErrNotFound)
	}
	o.info.Name = newName
	return nil
}

func (d *Device) SetObjectProperty(ctx context.Context, id device.NodeID, prop device.Property, value string) error {
	err := d.begin(OpSetObjectProperty)
	defer d.mu.Unlock()
	if err != nil {
		return err
	}
	o, ok := d.objects[id]
	if !ok {
		return fmt.Errorf("set property on %d: %w", id, device.ErrNotFound)
	}
	switch prop {
	case device.PropertyName:
		o.info.Name = value
	case device.PropertyContentType:
		o.info.ContentType = value
	default:
		return device.NewDeviceError(device.CodeGeneralError, "unsupported property %q", prop)
	}
	return nil
}

// Close marks the device as gone; later calls fail with ErrDeviceDisconnected.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
