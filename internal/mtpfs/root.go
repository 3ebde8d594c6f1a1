package mtpfs

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/fspath"
)

// Root is the mount root. Its entries are the device's storages.
type Root struct {
	baseNode
}

var (
	_ Node   = (*Root)(nil)
	_ Source = (*Root)(nil)
)

// NewRoot returns the root node.
func NewRoot(dev device.Device, cache *Cache) *Root {
	return &Root{baseNode{dev: dev, cache: cache, id: RootID}}
}

// FetchMetadata lists the storages and seeds a shallow entry for each.
func (r *Root) FetchMetadata(ctx context.Context) (*NodeMetadata, error) {
	storages, err := r.dev.ListStorages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}

	for _, s := range storages {
		r.cache.PutItem(shallow(storageFolderInfo(s)))
	}

	return &NodeMetadata{
		Info:        device.FileInfo{ID: RootID, Kind: device.KindFolder},
		HasStorages: true,
		Storages:    storages,
	}, nil
}

func (r *Root) Metadata(ctx context.Context) (*NodeMetadata, error) {
	return r.cache.GetItem(ctx, r.id, r)
}

// Resolve matches the first segment against storage descriptions.
func (r *Root) Resolve(ctx context.Context, p fspath.Path) (Node, error) {
	md, err := r.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, fmt.Errorf("%q: %w", p, device.ErrNotFound)
	}

	name := p.Head()
	for _, s := range md.Storages {
		if s.Description != name {
			continue
		}
		storage := NewStorage(r.dev, r.cache, s.ID)
		if body := p.Body(); !body.Empty() {
			return storage.Resolve(ctx, body)
		}
		return storage, nil
	}
	return nil, fmt.Errorf("%q: %w", p, device.ErrNotFound)
}

func (r *Root) Stat(ctx context.Context) (Attr, error) {
	n, err := r.DirectorySize(ctx)
	if err != nil {
		return Attr{}, err
	}
	return Attr{ID: r.id, Mode: fs.ModeDir | 0o755, Nlink: uint32(2 + n)}, nil
}

// StatFS sums capacity and free space over all storages.
func (r *Root) StatFS(ctx context.Context) (FSStat, error) {
	md, err := r.Metadata(ctx)
	if err != nil {
		return FSStat{}, err
	}
	var capacity, free uint64
	for _, s := range md.Storages {
		capacity += s.MaxCapacity
		free += s.FreeSpace
	}
	return newFSStat(capacity, free), nil
}

// StorageInfo returns the cached description of one storage.
func (r *Root) StorageInfo(ctx context.Context, id device.NodeID) (device.StorageInfo, error) {
	md, err := r.Metadata(ctx)
	if err != nil {
		return device.StorageInfo{}, err
	}
	for _, s := range md.Storages {
		if s.ID == id {
			return s, nil
		}
	}
	return device.StorageInfo{}, fmt.Errorf("storage %d: %w", id, device.ErrStorageNotFound)
}

func (r *Root) ReadDirectory(ctx context.Context, visit VisitFunc) error {
	md, err := r.Metadata(ctx)
	if err != nil {
		return err
	}
	for _, s := range md.Storages {
		attr := attrOf(storageFolderInfo(s))
		visit(s.Description, &attr)
	}
	return nil
}

func (r *Root) ReadDir(ctx context.Context, visit VisitFunc) error {
	return readDirWithDots(ctx, r, visit)
}

func (r *Root) DirectorySize(ctx context.Context) (int, error) {
	md, err := r.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	return len(md.Storages), nil
}

func (r *Root) Mkdir(ctx context.Context, name string) error {
	return ErrReadOnly
}

func (r *Root) CreateFile(ctx context.Context, name string) (Node, error) {
	return nil, ErrReadOnly
}

func (r *Root) Remove(ctx context.Context) error {
	return ErrReadOnly
}

func (r *Root) Rename(ctx context.Context, newParent Node, newName string) error {
	return ErrReadOnly
}

func (r *Root) FolderID() (device.NodeID, error) {
	return 0, ErrReadOnly
}

func (r *Root) StorageID() (device.NodeID, error) {
	return 0, ErrReadOnly
}

func (r *Root) ParentNodeID(ctx context.Context) (device.NodeID, error) {
	return r.id, nil
}
