package mtpfs

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/fspath"
	"github.com/fruitsalade/mtpfs/internal/logging"
)

// Folder is a folder object on one storage. A folderID of 0 denotes the
// top of the storage, and the node id is then the storage id.
type Folder struct {
	baseNode
	storageID device.NodeID
	folderID  device.NodeID
}

var (
	_ Node   = (*Folder)(nil)
	_ Source = (*Folder)(nil)
)

// NewFolder returns the node for folderID on storageID.
func NewFolder(dev device.Device, cache *Cache, storageID, folderID device.NodeID) *Folder {
	id := folderID
	if folderID == 0 {
		id = storageID
	}
	return &Folder{
		baseNode:  baseNode{dev: dev, cache: cache, id: id},
		storageID: storageID,
		folderID:  folderID,
	}
}

// FetchMetadata reads the folder's attributes and children, seeding a
// shallow entry per child.
func (f *Folder) FetchMetadata(ctx context.Context) (*NodeMetadata, error) {
	info, err := f.ownInfo(ctx)
	if err != nil {
		return nil, err
	}
	children, err := f.listChildren(ctx)
	if err != nil {
		return nil, err
	}
	return shallow(info).withChildren(children), nil
}

func (f *Folder) ownInfo(ctx context.Context) (device.FileInfo, error) {
	if f.folderID == 0 {
		si, err := NewRoot(f.dev, f.cache).StorageInfo(ctx, f.storageID)
		if err != nil {
			return device.FileInfo{}, err
		}
		return storageFolderInfo(si), nil
	}
	info, err := f.dev.GetObjectMetadata(ctx, f.folderID)
	if err != nil {
		return device.FileInfo{}, fmt.Errorf("folder %d: %w", f.folderID, err)
	}
	return info, nil
}

func (f *Folder) listChildren(ctx context.Context) ([]device.FileInfo, error) {
	parent := f.folderID
	if parent == 0 {
		parent = device.TopLevel
	}
	children, err := f.dev.ListChildren(ctx, f.storageID, parent)
	if err != nil {
		return nil, fmt.Errorf("list folder %d: %w", f.id, err)
	}
	for _, child := range children {
		f.cache.PutItem(shallow(child))
	}
	return children, nil
}

func (f *Folder) Metadata(ctx context.Context) (*NodeMetadata, error) {
	return f.cache.GetItem(ctx, f.id, f)
}

// item returns the metadata with children, upgrading a shallow entry.
func (f *Folder) item(ctx context.Context) (*NodeMetadata, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md.HasChildren {
		return md, nil
	}
	children, err := f.listChildren(ctx)
	if err != nil {
		return nil, err
	}
	return f.cache.PutItem(md.withChildren(children)), nil
}

// Resolve walks p below the folder. A path continuing below a file fails
// with ErrNotADirectory.
func (f *Folder) Resolve(ctx context.Context, p fspath.Path) (Node, error) {
	md, err := f.item(ctx)
	if err != nil {
		return nil, err
	}

	name := p.Head()
	for _, child := range md.Children {
		if child.Name != name {
			continue
		}
		body := p.Body()
		if !child.IsFolder() {
			if !body.Empty() {
				return nil, fmt.Errorf("%q: %w", p, ErrNotADirectory)
			}
			return NewFile(f.dev, f.cache, child.ID), nil
		}
		folder := NewFolder(f.dev, f.cache, f.storageID, child.ID)
		if body.Empty() {
			return folder, nil
		}
		return folder.Resolve(ctx, body)
	}
	return nil, fmt.Errorf("%q: %w", p, device.ErrNotFound)
}

func (f *Folder) Stat(ctx context.Context) (Attr, error) {
	md, err := f.item(ctx)
	if err != nil {
		return Attr{}, err
	}
	attr := attrOf(md.Info)
	attr.ID = f.id
	attr.Nlink = uint32(2 + len(md.Children))
	return attr, nil
}

func (f *Folder) StatFS(ctx context.Context) (FSStat, error) {
	return f.storageStatFS(ctx, f.storageID)
}

func (f *Folder) ReadDirectory(ctx context.Context, visit VisitFunc) error {
	md, err := f.item(ctx)
	if err != nil {
		return err
	}
	for _, child := range md.Children {
		attr := attrOf(child)
		visit(child.Name, &attr)
	}
	return nil
}

func (f *Folder) ReadDir(ctx context.Context, visit VisitFunc) error {
	return readDirWithDots(ctx, f, visit)
}

func (f *Folder) DirectorySize(ctx context.Context) (int, error) {
	md, err := f.item(ctx)
	if err != nil {
		return 0, err
	}
	return len(md.Children), nil
}

func (f *Folder) FolderID() (device.NodeID, error)  { return f.folderID, nil }
func (f *Folder) StorageID() (device.NodeID, error) { return f.storageID, nil }

func (f *Folder) ParentNodeID(ctx context.Context) (device.NodeID, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	return md.parentNodeID(), nil
}

func (f *Folder) Mkdir(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	id, err := f.dev.CreateFolder(ctx, name, f.folderID, f.storageID)
	if err != nil {
		return fmt.Errorf("mkdir %q: %w", name, err)
	}
	f.cache.ClearItem(id)
	f.cache.ClearItem(f.id)
	return nil
}

// CreateFile uploads an empty object and returns its node.
func (f *Folder) CreateFile(ctx context.Context, name string) (Node, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	info, err := f.dev.Upload(ctx, bytes.NewReader(nil), 0, device.FileInfo{
		Name:      name,
		ParentID:  f.folderID,
		StorageID: f.storageID,
		Kind:      device.KindRegular,
	})
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	f.cache.ClearItem(info.ID)
	f.cache.ClearItem(f.id)
	return NewFile(f.dev, f.cache, info.ID), nil
}

// Remove deletes the folder if it has no children.
func (f *Folder) Remove(ctx context.Context) error {
	n, err := f.DirectorySize(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("remove folder %d: %w", f.id, ErrNotEmpty)
	}
	parentID, err := f.ParentNodeID(ctx)
	if err != nil {
		return err
	}
	if err := f.dev.DeleteObject(ctx, f.id); err != nil {
		return fmt.Errorf("remove folder %d: %w", f.id, err)
	}
	f.cache.ClearItem(parentID)
	f.cache.ClearItem(f.id)
	return nil
}

// Rename renames in place when the parent and storage are unchanged.
// Otherwise it recreates the folder under newParent, moves every child
// into it and removes the emptied source.
func (f *Folder) Rename(ctx context.Context, newParent Node, newName string) error {
	if err := checkName(newName); err != nil {
		return err
	}
	md, err := f.Metadata(ctx)
	if err != nil {
		return err
	}
	parentID := md.parentNodeID()

	inPlace, err := sameLocation(md, newParent)
	if err != nil {
		return err
	}

	if inPlace {
		if err := f.dev.RenameObject(ctx, f.id, newName); err != nil {
			return fmt.Errorf("rename folder %d: %w", f.id, err)
		}
		f.cache.ClearItem(f.id)
	} else {
		logging.Debug("moving folder by copy",
			logging.Uint32("id", uint32(f.id)),
			logging.Uint32("dest", uint32(newParent.ID())),
			logging.String("name", newName),
		)
		if err := newParent.Mkdir(ctx, newName); err != nil {
			return err
		}
		dest, err := newParent.Resolve(ctx, fspath.New(newName))
		if err != nil {
			return fmt.Errorf("resolve new folder %q: %w", newName, err)
		}

		md, err := f.item(ctx)
		if err != nil {
			return err
		}
		for _, child := range md.Children {
			if err := childNode(f.dev, f.cache, f.storageID, child).Rename(ctx, dest, child.Name); err != nil {
				return fmt.Errorf("move %q: %w", child.Name, err)
			}
		}
		if err := f.Remove(ctx); err != nil {
			return err
		}
	}

	f.cache.ClearItem(newParent.ID())
	f.cache.ClearItem(parentID)
	return nil
}

// sameLocation reports whether newParent is the current parent folder on
// the same storage.
func sameLocation(md *NodeMetadata, newParent Node) (bool, error) {
	folderID, err := newParent.FolderID()
	if err != nil {
		return false, err
	}
	storageID, err := newParent.StorageID()
	if err != nil {
		return false, err
	}
	return folderID == md.Info.ParentID && storageID == md.Info.StorageID, nil
}

// Storage is the top folder of one storage volume. It cannot be removed or
// renamed.
type Storage struct {
	*Folder
}

var _ Node = (*Storage)(nil)

// NewStorage returns the node for storageID.
func NewStorage(dev device.Device, cache *Cache, storageID device.NodeID) *Storage {
	return &Storage{NewFolder(dev, cache, storageID, 0)}
}

func (s *Storage) Remove(ctx context.Context) error {
	return ErrReadOnly
}

func (s *Storage) Rename(ctx context.Context, newParent Node, newName string) error {
	return ErrReadOnly
}

func (s *Storage) ParentNodeID(ctx context.Context) (device.NodeID, error) {
	return RootID, nil
}
