// Package device defines the contract between the mtpfs core and the
// component that talks to the physical MTP device.
package device

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"
)

// NodeID is an object identifier assigned by the device.
type NodeID uint32

const (
	// TopLevel asks ListChildren for the objects at the top of a storage.
	TopLevel NodeID = math.MaxUint32

	// MaxNameLength is the longest object name the device accepts.
	MaxNameLength = 255
)

// Kind classifies an object.
type Kind int

const (
	KindRegular Kind = iota
	KindFolder
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindFolder:
		return "folder"
	default:
		return "other"
	}
}

// Property names an object property that can be set with SetObjectProperty.
type Property string

const (
	PropertyName        Property = "name"
	PropertyContentType Property = "content-type"
)

// StorageInfo describes one storage volume on the device.
type StorageInfo struct {
	ID          NodeID
	Description string
	FreeSpace   uint64
	MaxCapacity uint64
}

// FileInfo describes one object on the device.
type FileInfo struct {
	ID          NodeID
	ParentID    NodeID
	StorageID   NodeID
	Name        string
	Kind        Kind
	Size        uint64
	ModTime     time.Time
	ContentType string
}

// IsFolder reports whether the object is a folder.
func (fi FileInfo) IsFolder() bool {
	return fi.Kind == KindFolder
}

func (fi FileInfo) String() string {
	return fmt.Sprintf("%d:%q(parent=%d storage=%d %s)", fi.ID, fi.Name, fi.ParentID, fi.StorageID, fi.Kind)
}

// Device is the narrow set of calls the core issues against the device.
// Implementations translate device failures into the errors of this package.
type Device interface {
	ListStorages(ctx context.Context) ([]StorageInfo, error)
	ListChildren(ctx context.Context, storageID, folderID NodeID) ([]FileInfo, error)
	GetObjectMetadata(ctx context.Context, id NodeID) (FileInfo, error)
	Download(ctx context.Context, id NodeID, w io.Writer) error
	// Upload creates a new object described by dest (name, parent, storage)
	// with size bytes read from r and returns the device-confirmed info.
	Upload(ctx context.Context, r io.Reader, size int64, dest FileInfo) (FileInfo, error)
	CreateFolder(ctx context.Context, name string, parentID, storageID NodeID) (NodeID, error)
	DeleteObject(ctx context.Context, id NodeID) error
	// RenameObject renames in place; parent and storage are unchanged.
	RenameObject(ctx context.Context, id NodeID, newName string) error
	SetObjectProperty(ctx context.Context, id NodeID, prop Property, value string) error
	Close() error
}
