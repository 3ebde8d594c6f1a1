package mtpfs

import (
	"context"
	"fmt"

	"github.com/fruitsalade/mtpfs/internal/device"
)

// File is a non-folder object. Its content is read and written through a
// staging copy held by the cache.
type File struct {
	baseNode
}

var (
	_ Node   = (*File)(nil)
	_ Source = (*File)(nil)
)

// NewFile returns the node for object id.
func NewFile(dev device.Device, cache *Cache, id device.NodeID) *File {
	return &File{baseNode{dev: dev, cache: cache, id: id}}
}

func (f *File) FetchMetadata(ctx context.Context) (*NodeMetadata, error) {
	info, err := f.dev.GetObjectMetadata(ctx, f.id)
	if err != nil {
		return nil, fmt.Errorf("file %d: %w", f.id, err)
	}
	return shallow(info), nil
}

func (f *File) Metadata(ctx context.Context) (*NodeMetadata, error) {
	return f.cache.GetItem(ctx, f.id, f)
}

// Stat reports the staged size while the file is open.
func (f *File) Stat(ctx context.Context) (Attr, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return Attr{}, err
	}
	attr := attrOf(md.Info)
	if lfc := f.cache.OpenedFile(f.id); lfc != nil {
		attr.Size = uint64(lfc.Size())
	}
	return attr, nil
}

func (f *File) StatFS(ctx context.Context) (FSStat, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return FSStat{}, err
	}
	return f.storageStatFS(ctx, md.Info.StorageID)
}

func (f *File) ParentNodeID(ctx context.Context) (device.NodeID, error) {
	md, err := f.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	return md.parentNodeID(), nil
}

// Open stages the content locally. Every Open must be paired with Close.
func (f *File) Open(ctx context.Context) error {
	_, err := f.cache.OpenFile(ctx, f.dev, f.id)
	return err
}

func (f *File) staged() (*LocalFileCopy, error) {
	lfc := f.cache.OpenedFile(f.id)
	if lfc == nil {
		return nil, fmt.Errorf("file %d: %w", f.id, ErrNotOpen)
	}
	return lfc, nil
}

func (f *File) Read(ctx context.Context, p []byte, off int64) (int, error) {
	lfc, err := f.staged()
	if err != nil {
		return 0, err
	}
	return lfc.ReadAt(p, off)
}

func (f *File) Write(ctx context.Context, p []byte, off int64) (int, error) {
	lfc, err := f.staged()
	if err != nil {
		return 0, err
	}
	return lfc.WriteAt(p, off)
}

// Truncate resizes the content. A file that is not open is opened for the
// duration of the call, so the new size is uploaded immediately.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if lfc := f.cache.OpenedFile(f.id); lfc != nil {
		return lfc.Truncate(size)
	}

	lfc, err := f.cache.OpenFile(ctx, f.dev, f.id)
	if err != nil {
		return err
	}
	truncErr := lfc.Truncate(size)
	if _, err := f.Close(ctx); err != nil {
		return err
	}
	return truncErr
}

// Close releases the staging copy. The last close uploads changed content
// and returns the id the device assigned to it.
func (f *File) Close(ctx context.Context) (device.NodeID, error) {
	parentID, parentErr := f.ParentNodeID(ctx)
	newID, err := f.cache.CloseFile(ctx, f.id)
	if parentErr == nil && newID != f.id {
		f.cache.ClearItem(parentID)
	}
	return newID, err
}

// Remove deletes the object.
func (f *File) Remove(ctx context.Context) error {
	parentID, err := f.ParentNodeID(ctx)
	if err != nil {
		return err
	}
	if err := f.dev.DeleteObject(ctx, f.id); err != nil {
		return fmt.Errorf("remove file %d: %w", f.id, err)
	}
	if lfc := f.cache.OpenedFile(f.id); lfc != nil {
		lfc.orphan()
	}
	f.cache.ClearItem(parentID)
	f.cache.ClearItem(f.id)
	return nil
}

// Rename renames in place when the parent and storage are unchanged.
// Otherwise it uploads the content under newParent and deletes the source.
func (f *File) Rename(ctx context.Context, newParent Node, newName string) error {
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
			return fmt.Errorf("rename file %d: %w", f.id, err)
		}
		if lfc := f.cache.OpenedFile(f.id); lfc != nil {
			lfc.renamed(newName)
		}
	} else if err := f.moveByCopy(ctx, md.Info, newParent, newName); err != nil {
		return err
	}

	f.cache.ClearItem(f.id)
	f.cache.ClearItem(newParent.ID())
	f.cache.ClearItem(parentID)
	return nil
}

// moveByCopy uploads the content under newParent and deletes the source.
// An open staging copy is the source of the content and follows the file
// to its new object.
func (f *File) moveByCopy(ctx context.Context, info device.FileInfo, newParent Node, newName string) error {
	folderID, _ := newParent.FolderID()
	storageID, _ := newParent.StorageID()
	dest := device.FileInfo{
		Name:        newName,
		ParentID:    folderID,
		StorageID:   storageID,
		Kind:        info.Kind,
		ContentType: info.ContentType,
	}

	lfc := f.cache.OpenedFile(f.id)
	if lfc == nil {
		tmp, err := openLocalFileCopy(ctx, f.dev, f.id, f.cache.stagingDir)
		if err != nil {
			return err
		}
		defer tmp.discard()
		if _, err := tmp.upload(ctx, dest); err != nil {
			return err
		}
	} else {
		wasDirty := lfc.markClean()
		uploaded, err := lfc.upload(ctx, dest)
		if err != nil {
			if wasDirty {
				lfc.markDirty()
			}
			return err
		}
		lfc.moved(uploaded)
	}

	if err := f.dev.DeleteObject(ctx, f.id); err != nil {
		return fmt.Errorf("remove moved file %d: %w", f.id, err)
	}
	return nil
}
