// Package mtpfs maps a tree of filesystem nodes onto the flat object store
// of an MTP device. Nodes are cheap and created per lookup; only their
// metadata is cached.
package mtpfs

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/fspath"
)

// Attr holds the attributes reported by Stat and ReadDirectory.
type Attr struct {
	ID      device.NodeID
	Mode    fs.FileMode
	Size    uint64
	Nlink   uint32
	ModTime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode.IsDir()
}

// FSStat holds volume statistics.
type FSStat struct {
	BlockSize uint32
	Blocks    uint64
	Free      uint64
	Avail     uint64
	NameMax   uint32
}

const statBlockSize = 512

func newFSStat(capacity, free uint64) FSStat {
	return FSStat{
		BlockSize: statBlockSize,
		Blocks:    capacity / statBlockSize,
		Free:      free / statBlockSize,
		Avail:     free / statBlockSize,
		NameMax:   device.MaxNameLength,
	}
}

// VisitFunc receives one directory entry. attr may be nil for "." and "..".
type VisitFunc func(name string, attr *Attr)

// Node is one element of the mounted tree.
type Node interface {
	ID() device.NodeID
	Metadata(ctx context.Context) (*NodeMetadata, error)
	Resolve(ctx context.Context, p fspath.Path) (Node, error)
	Stat(ctx context.Context) (Attr, error)
	StatFS(ctx context.Context) (FSStat, error)
	ReadDirectory(ctx context.Context, visit VisitFunc) error
	ReadDir(ctx context.Context, visit VisitFunc) error
	DirectorySize(ctx context.Context) (int, error)
	Mkdir(ctx context.Context, name string) error
	CreateFile(ctx context.Context, name string) (Node, error)
	Remove(ctx context.Context) error
	Rename(ctx context.Context, newParent Node, newName string) error
	Open(ctx context.Context) error
	Read(ctx context.Context, p []byte, off int64) (int, error)
	Write(ctx context.Context, p []byte, off int64) (int, error)
	Truncate(ctx context.Context, size int64) error
	Close(ctx context.Context) (device.NodeID, error)
	FolderID() (device.NodeID, error)
	StorageID() (device.NodeID, error)
	ParentNodeID(ctx context.Context) (device.NodeID, error)
}

// baseNode holds what every node shares and answers the operations a node
// kind does not override.
type baseNode struct {
	dev   device.Device
	cache *Cache
	id    device.NodeID
}

func (b baseNode) ID() device.NodeID { return b.id }

func (b baseNode) Resolve(ctx context.Context, p fspath.Path) (Node, error) {
	return nil, ErrNotADirectory
}

func (b baseNode) ReadDirectory(ctx context.Context, visit VisitFunc) error {
	return ErrNotADirectory
}

func (b baseNode) ReadDir(ctx context.Context, visit VisitFunc) error {
	return ErrNotADirectory
}

func (b baseNode) DirectorySize(ctx context.Context) (int, error) {
	return 0, ErrNotADirectory
}

func (b baseNode) Mkdir(ctx context.Context, name string) error {
	return ErrNotADirectory
}

func (b baseNode) CreateFile(ctx context.Context, name string) (Node, error) {
	return nil, ErrNotADirectory
}

func (b baseNode) FolderID() (device.NodeID, error) {
	return 0, ErrNotADirectory
}

func (b baseNode) StorageID() (device.NodeID, error) {
	return 0, ErrNotADirectory
}

func (b baseNode) Remove(ctx context.Context) error {
	return ErrNotSupported
}

func (b baseNode) Rename(ctx context.Context, newParent Node, newName string) error {
	return ErrNotSupported
}

func (b baseNode) Open(ctx context.Context) error {
	return ErrNotSupported
}

func (b baseNode) Read(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}

func (b baseNode) Write(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}

func (b baseNode) Truncate(ctx context.Context, size int64) error {
	return ErrNotSupported
}

func (b baseNode) Close(ctx context.Context) (device.NodeID, error) {
	return 0, ErrNotSupported
}

// storageStatFS reports the statistics of a single storage.
func (b baseNode) storageStatFS(ctx context.Context, storageID device.NodeID) (FSStat, error) {
	si, err := NewRoot(b.dev, b.cache).StorageInfo(ctx, storageID)
	if err != nil {
		return FSStat{}, err
	}
	return newFSStat(si.MaxCapacity, si.FreeSpace), nil
}

// readDirWithDots yields "." and ".." before the entries of n.
func readDirWithDots(ctx context.Context, n Node, visit VisitFunc) error {
	visit(".", nil)
	visit("..", nil)
	return n.ReadDirectory(ctx, visit)
}

func checkName(name string) error {
	if len(name) > device.MaxNameLength {
		return fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}
	return nil
}

// attrOf converts device attributes to node attributes.
func attrOf(info device.FileInfo) Attr {
	if info.IsFolder() {
		return Attr{
			ID:      info.ID,
			Mode:    fs.ModeDir | 0o755,
			Nlink:   2,
			ModTime: info.ModTime,
		}
	}
	return Attr{
		ID:      info.ID,
		Mode:    0o644,
		Size:    info.Size,
		Nlink:   1,
		ModTime: info.ModTime,
	}
}

// childNode builds the node for a child listed under storageID.
func childNode(dev device.Device, cache *Cache, storageID device.NodeID, info device.FileInfo) Node {
	if info.IsFolder() {
		return NewFolder(dev, cache, storageID, info.ID)
	}
	return NewFile(dev, cache, info.ID)
}
