// Package fuse serves the mtpfs node tree through go-fuse.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/fspath"
	"github.com/fruitsalade/mtpfs/internal/logging"
	"github.com/fruitsalade/mtpfs/internal/metrics"
	"github.com/fruitsalade/mtpfs/internal/mtpfs"
)

// Config holds mount options.
type Config struct {
	AllowOther bool
	Debug      bool
}

// FS is the mounted filesystem. Inodes carry no metadata of their own;
// every call resolves the inode's path from the root.
type FS struct {
	root  *mtpfs.Root
	cache *mtpfs.Cache
	cfg   Config
	uid   uint32
	gid   uint32
}

// New creates a filesystem over dev.
func New(dev device.Device, cache *mtpfs.Cache, cfg Config) *FS {
	return &FS{
		root:  mtpfs.NewRoot(dev, cache),
		cache: cache,
		cfg:   cfg,
		uid:   uint32(os.Getuid()),
		gid:   uint32(os.Getgid()),
	}
}

// Root returns the root node of the tree.
func (f *FS) Root() *mtpfs.Root {
	return f.root
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	ttl := f.cache.TTL()
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     "mtpfs",
			Name:       "mtpfs",
		},
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		UID:          f.uid,
		GID:          f.gid,
	}

	server, err := fs.Mount(mountPoint, &Node{fsys: f}, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// errno converts err, counts the operation and logs failures.
func (f *FS) errno(op, path string, err error) syscall.Errno {
	e := ToErrno(err)
	metrics.RecordFSOp(op, errnoName(e))
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, device.ErrDeviceDisconnected):
		logging.Error("device disconnected", logging.String("op", op), logging.String("path", path), logging.Err(err))
	case e == syscall.EIO:
		logging.Warn("filesystem operation failed", logging.String("op", op), logging.String("path", path), logging.Err(err))
	default:
		logging.Debug("filesystem operation failed", logging.String("op", op), logging.String("path", path), logging.Err(err))
	}
	return e
}

// fillAttr copies node attributes into a kernel attribute block.
func (f *FS) fillAttr(a mtpfs.Attr, out *gofuse.Attr) {
	if a.IsDir() {
		out.Mode = syscall.S_IFDIR | uint32(a.Mode.Perm())
	} else {
		out.Mode = syscall.S_IFREG | uint32(a.Mode.Perm())
	}
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Nlink = a.Nlink
	mtime := uint64(a.ModTime.Unix())
	if a.ModTime.IsZero() {
		mtime = 0
	}
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
	out.Uid = f.uid
	out.Gid = f.gid
}

func stableMode(a mtpfs.Attr) uint32 {
	if a.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// Node is one inode of the mounted tree.
type Node struct {
	fs.Inode

	fsys *FS
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
)

func (n *Node) path() string {
	return n.Path(nil)
}

func (n *Node) resolve(ctx context.Context) (mtpfs.Node, error) {
	return n.fsys.Resolve(ctx, n.path())
}

// Resolve returns the node at slash-separated path p; "" is the root.
func (f *FS) Resolve(ctx context.Context, p string) (mtpfs.Node, error) {
	if fspath.New(p).Empty() {
		return f.root, nil
	}
	return f.root.Resolve(ctx, fspath.New(p))
}

func (n *Node) newChild(ctx context.Context, name string, attr mtpfs.Attr, out *gofuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(attr, &out.Attr)
	ttl := n.fsys.cache.TTL()
	out.SetEntryTimeout(ttl)
	out.SetAttrTimeout(ttl)
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{Mode: stableMode(attr)})
}

// Getattr reports the node's attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	var node mtpfs.Node
	var err error
	if h, ok := fh.(*FileHandle); ok {
		node = h.node
	} else if node, err = n.resolve(ctx); err != nil {
		return n.fsys.errno("getattr", n.path(), err)
	}

	attr, err := node.Stat(ctx)
	if err != nil {
		return n.fsys.errno("getattr", n.path(), err)
	}
	n.fsys.fillAttr(attr, &out.Attr)
	out.SetTimeout(n.fsys.cache.TTL())
	return n.fsys.errno("getattr", n.path(), nil)
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := fspath.Join(n.path(), name)
	child, err := n.fsys.Resolve(ctx, p)
	if err != nil {
		return nil, n.fsys.errno("lookup", p, err)
	}
	attr, err := child.Stat(ctx)
	if err != nil {
		return nil, n.fsys.errno("lookup", p, err)
	}
	return n.newChild(ctx, name, attr, out), n.fsys.errno("lookup", p, nil)
}

// Readdir lists the directory.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	node, err := n.resolve(ctx)
	if err != nil {
		return nil, n.fsys.errno("readdir", n.path(), err)
	}

	var entries []gofuse.DirEntry
	err = node.ReadDirectory(ctx, func(name string, attr *mtpfs.Attr) {
		mode := uint32(syscall.S_IFDIR)
		if attr != nil {
			mode = stableMode(*attr)
		}
		entries = append(entries, gofuse.DirEntry{Name: name, Mode: mode})
	})
	if err != nil {
		return nil, n.fsys.errno("readdir", n.path(), err)
	}
	return fs.NewListDirStream(entries), n.fsys.errno("readdir", n.path(), nil)
}

// Statfs reports volume statistics for the node's storage, or for all
// storages at the root.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	node, err := n.resolve(ctx)
	if err != nil {
		return n.fsys.errno("statfs", n.path(), err)
	}
	st, err := node.StatFS(ctx)
	if err != nil {
		return n.fsys.errno("statfs", n.path(), err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.Free
	out.Bavail = st.Avail
	out.NameLen = st.NameMax
	return n.fsys.errno("statfs", n.path(), nil)
}

// Mkdir creates a folder.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := fspath.Join(n.path(), name)
	parent, err := n.resolve(ctx)
	if err != nil {
		return nil, n.fsys.errno("mkdir", p, err)
	}
	if err := parent.Mkdir(ctx, name); err != nil {
		return nil, n.fsys.errno("mkdir", p, err)
	}
	child, err := n.fsys.Resolve(ctx, p)
	if err != nil {
		return nil, n.fsys.errno("mkdir", p, err)
	}
	attr, err := child.Stat(ctx)
	if err != nil {
		return nil, n.fsys.errno("mkdir", p, err)
	}
	logging.Info("created folder", logging.String("path", p))
	return n.newChild(ctx, name, attr, out), n.fsys.errno("mkdir", p, nil)
}

// Create creates an empty file and opens it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := fspath.Join(n.path(), name)
	parent, err := n.resolve(ctx)
	if err != nil {
		return nil, nil, 0, n.fsys.errno("create", p, err)
	}
	child, err := parent.CreateFile(ctx, name)
	if err != nil {
		return nil, nil, 0, n.fsys.errno("create", p, err)
	}
	if err := child.Open(ctx); err != nil {
		return nil, nil, 0, n.fsys.errno("create", p, err)
	}
	attr, err := child.Stat(ctx)
	if err != nil {
		child.Close(ctx)
		return nil, nil, 0, n.fsys.errno("create", p, err)
	}
	logging.Info("created file", logging.String("path", p), logging.Uint32("id", uint32(child.ID())))
	inode := n.newChild(ctx, name, attr, out)
	return inode, &FileHandle{fsys: n.fsys, node: child, path: p}, 0, n.fsys.errno("create", p, nil)
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, "unlink", name, false)
}

// Rmdir removes an empty folder.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, "rmdir", name, true)
}

func (n *Node) remove(ctx context.Context, op, name string, dir bool) syscall.Errno {
	p := fspath.Join(n.path(), name)
	child, err := n.fsys.Resolve(ctx, p)
	if err != nil {
		return n.fsys.errno(op, p, err)
	}
	attr, err := child.Stat(ctx)
	if err != nil {
		return n.fsys.errno(op, p, err)
	}
	if attr.IsDir() != dir {
		if dir {
			return n.fsys.errno(op, p, mtpfs.ErrNotADirectory)
		}
		metrics.RecordFSOp(op, errnoName(syscall.EISDIR))
		return syscall.EISDIR
	}
	if err := child.Remove(ctx); err != nil {
		return n.fsys.errno(op, p, err)
	}
	logging.Info("removed", logging.String("path", p))
	return n.fsys.errno(op, p, nil)
}

// renameat2 flags.
const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

// Rename moves or renames a child. An existing destination is replaced;
// a non-empty destination folder fails with ENOTEMPTY.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	src := fspath.Join(n.path(), name)
	dstParentNode, ok := newParent.(*Node)
	if !ok {
		return n.fsys.errno("rename", src, fmt.Errorf("foreign parent inode: %w", mtpfs.ErrNotSupported))
	}
	if flags&renameExchange != 0 {
		return n.fsys.errno("rename", src, mtpfs.ErrNotSupported)
	}

	dst := fspath.Join(dstParentNode.path(), newName)
	if err := n.fsys.rename(ctx, src, dstParentNode.path(), newName, flags&renameNoReplace != 0); err != nil {
		if errors.Is(err, errExists) {
			metrics.RecordFSOp("rename", errnoName(syscall.EEXIST))
			return syscall.EEXIST
		}
		return n.fsys.errno("rename", src, err)
	}
	logging.Info("renamed", logging.String("from", src), logging.String("to", dst))
	return n.fsys.errno("rename", src, nil)
}

var errExists = errors.New("destination exists")

// rename moves src to newName under dstDir. An existing destination is
// renamed aside first, restored if the move fails and removed once it
// succeeds.
func (f *FS) rename(ctx context.Context, src, dstDir, newName string, noReplace bool) error {
	node, err := f.Resolve(ctx, src)
	if err != nil {
		return err
	}
	dstParent, err := f.Resolve(ctx, dstDir)
	if err != nil {
		return err
	}

	existing, err := f.Resolve(ctx, fspath.Join(dstDir, newName))
	switch {
	case errors.Is(err, device.ErrNotFound):
		return node.Rename(ctx, dstParent, newName)
	case err != nil:
		return err
	case existing.ID() == node.ID():
		return nil
	case noReplace:
		return errExists
	}

	if attr, err := existing.Stat(ctx); err != nil {
		return err
	} else if attr.IsDir() {
		size, err := existing.DirectorySize(ctx)
		if err != nil {
			return err
		}
		if size > 0 {
			return fmt.Errorf("replace %q: %w", newName, mtpfs.ErrNotEmpty)
		}
	}

	aside := fmt.Sprintf(".mtpfs-replaced-%08x", uint32(existing.ID()))
	if err := existing.Rename(ctx, dstParent, aside); err != nil {
		return fmt.Errorf("move destination aside: %w", err)
	}
	if err := node.Rename(ctx, dstParent, newName); err != nil {
		if restoreErr := existing.Rename(ctx, dstParent, newName); restoreErr != nil {
			logging.Error("rename failed and replaced destination not restored",
				logging.String("name", newName),
				logging.String("aside", aside),
				logging.Err(restoreErr),
			)
		}
		return err
	}
	if err := existing.Remove(ctx); err != nil {
		logging.Warn("failed to remove replaced destination",
			logging.String("aside", aside),
			logging.Err(err),
		)
	}
	return nil
}

// Open stages the file content and returns a handle.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	node, err := n.resolve(ctx)
	if err != nil {
		return nil, 0, n.fsys.errno("open", p, err)
	}
	if _, isFile := node.(*mtpfs.File); !isFile {
		metrics.RecordFSOp("open", errnoName(syscall.EISDIR))
		return nil, 0, syscall.EISDIR
	}
	if err := node.Open(ctx); err != nil {
		return nil, 0, n.fsys.errno("open", p, err)
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := node.Truncate(ctx, 0); err != nil {
			node.Close(ctx)
			return nil, 0, n.fsys.errno("open", p, err)
		}
	}
	return &FileHandle{fsys: n.fsys, node: node, path: p}, 0, n.fsys.errno("open", p, nil)
}

// Setattr handles truncation. Other attribute changes are accepted and
// ignored; the device does not store them.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		var node mtpfs.Node
		var err error
		if h, isHandle := fh.(*FileHandle); isHandle {
			node = h.node
		} else if node, err = n.resolve(ctx); err != nil {
			return n.fsys.errno("setattr", n.path(), err)
		}
		if err := node.Truncate(ctx, int64(size)); err != nil {
			return n.fsys.errno("setattr", n.path(), err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

// FileHandle is an open file. Handles on the same object share one staging
// copy; the last release uploads it.
type FileHandle struct {
	fsys *FS
	node mtpfs.Node
	path string

	mu       sync.Mutex
	released bool
}

var (
	_ fs.FileHandle   = (*FileHandle)(nil)
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read reads from the staged content.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := fh.node.Read(ctx, dest, off)
	if err != nil {
		return nil, fh.fsys.errno("read", fh.path, err)
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// Write writes to the staged content.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.node.Write(ctx, data, off)
	if err != nil {
		return 0, fh.fsys.errno("write", fh.path, err)
	}
	return uint32(n), 0
}

// Flush is a no-op; content is uploaded on release.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync is a no-op for the same reason as Flush.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

// Release drops the handle's reference to the staging copy.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		return 0
	}
	fh.released = true

	start := time.Now()
	newID, err := fh.node.Close(ctx)
	if err != nil {
		return fh.fsys.errno("release", fh.path, err)
	}
	if newID != fh.node.ID() {
		logging.Info("uploaded file",
			logging.String("path", fh.path),
			logging.Uint32("id", uint32(newID)),
			logging.Duration("took", time.Since(start)),
		)
	}
	return fh.fsys.errno("release", fh.path, nil)
}
