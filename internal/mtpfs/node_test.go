package mtpfs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/device/memory"
	"github.com/fruitsalade/mtpfs/internal/fspath"
)

type testTree struct {
	dev     *memory.Device
	cache   *Cache
	root    *Root
	storage device.NodeID
	folder  device.NodeID
	file    device.NodeID
}

// newTestTree builds "Internal Storage/Folder/file.txt".
func newTestTree(t *testing.T) *testTree {
	t.Helper()
	dev := memory.New()
	s := dev.AddStorage("Internal Storage", 1<<20)
	folder := dev.AddFolder(s, 0, "Folder")
	file := dev.AddFile(s, folder, "file.txt", []byte("content"))
	c, _ := newTestCache(t)
	return &testTree{
		dev:     dev,
		cache:   c,
		root:    NewRoot(dev, c),
		storage: s,
		folder:  folder,
		file:    file,
	}
}

func (tt *testTree) resolve(t *testing.T, p string) Node {
	t.Helper()
	n, err := tt.root.Resolve(context.Background(), fspath.New(p))
	if err != nil {
		t.Fatalf("Resolve(%q): %v", p, err)
	}
	return n
}

func TestRootResolve(t *testing.T) {
	tt := newTestTree(t)

	n := tt.resolve(t, "Internal Storage/Folder/file.txt")
	if _, ok := n.(*File); !ok {
		t.Fatalf("resolved %T, want *File", n)
	}
	if n.ID() != tt.file {
		t.Errorf("id = %d, want %d", n.ID(), tt.file)
	}

	if n := tt.resolve(t, "Internal Storage"); n.ID() != tt.storage {
		t.Errorf("storage id = %d, want %d", n.ID(), tt.storage)
	}
	if n := tt.resolve(t, "/Internal Storage/Folder/"); n.ID() != tt.folder {
		t.Errorf("folder id = %d, want %d", n.ID(), tt.folder)
	}
}

func TestRootResolveErrors(t *testing.T) {
	tt := newTestTree(t)

	tests := []struct {
		path string
		want error
	}{
		{"Nonexistent/x", device.ErrNotFound},
		{"", device.ErrNotFound},
		{"internal storage", device.ErrNotFound},
		{"Internal Storage/Folder/missing", device.ErrNotFound},
		{"Internal Storage/Folder/file.txt/x", ErrNotADirectory},
	}

	for _, tc := range tests {
		_, err := tt.root.Resolve(context.Background(), fspath.New(tc.path))
		if !errors.Is(err, tc.want) {
			t.Errorf("Resolve(%q) err = %v, want %v", tc.path, err, tc.want)
		}
	}
}

func TestRootSeedsStorageEntries(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	if _, err := tt.root.Metadata(ctx); err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !tt.cache.contains(tt.storage) {
		t.Fatal("storage entry not seeded")
	}
	tt.dev.ResetCalls()

	n, err := NewStorage(tt.dev, tt.cache, tt.storage).DirectorySize(ctx)
	if err != nil {
		t.Fatalf("DirectorySize: %v", err)
	}
	if n != 1 {
		t.Errorf("DirectorySize = %d, want 1", n)
	}
	if got := tt.dev.Calls(memory.OpListChildren); got != 1 {
		t.Errorf("ListChildren calls = %d, want 1", got)
	}
	if got := tt.dev.TotalCalls(); got != 1 {
		t.Errorf("total calls = %d, want 1", got)
	}
}

func TestRootReadOnly(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	storage := NewStorage(tt.dev, tt.cache, tt.storage)

	checks := map[string]error{
		"root mkdir":     tt.root.Mkdir(ctx, "x"),
		"root remove":    tt.root.Remove(ctx),
		"root rename":    tt.root.Rename(ctx, storage, "x"),
		"storage remove": storage.Remove(ctx),
		"storage rename": storage.Rename(ctx, tt.root, "x"),
	}
	_, createErr := tt.root.CreateFile(ctx, "x")
	checks["root create"] = createErr
	folder := NewFolder(tt.dev, tt.cache, tt.storage, tt.folder)
	checks["rename into root"] = folder.Rename(ctx, tt.root, "x")

	for name, err := range checks {
		if !errors.Is(err, ErrReadOnly) {
			t.Errorf("%s: err = %v, want ErrReadOnly", name, err)
		}
	}
}

func TestRootStatFS(t *testing.T) {
	ctx := context.Background()
	dev := memory.New()
	dev.AddStorage("A", 1024*512)
	second := dev.AddStorage("B", 2048*512)
	c, _ := newTestCache(t)
	root := NewRoot(dev, c)

	st, err := root.StatFS(ctx)
	if err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if st.BlockSize != 512 || st.Blocks != 3072 || st.Free != 3072 || st.NameMax != device.MaxNameLength {
		t.Errorf("root StatFS = %+v", st)
	}

	st, err = NewStorage(dev, c, second).StatFS(ctx)
	if err != nil {
		t.Fatalf("storage StatFS: %v", err)
	}
	if st.Blocks != 2048 {
		t.Errorf("storage blocks = %d, want 2048", st.Blocks)
	}

	if _, err := root.StorageInfo(ctx, 42); !errors.Is(err, device.ErrStorageNotFound) {
		t.Errorf("StorageInfo(42) err = %v, want ErrStorageNotFound", err)
	}
}

func TestReadDir(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	var names []string
	var attrs []*Attr
	err := tt.resolve(t, "Internal Storage").ReadDir(ctx, func(name string, attr *Attr) {
		names = append(names, name)
		attrs = append(attrs, attr)
	})
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if strings.Join(names, ",") != ".,..,Folder" {
		t.Fatalf("names = %q", names)
	}
	if attrs[2] == nil || !attrs[2].IsDir() || attrs[2].ID != tt.folder {
		t.Errorf("Folder attr = %+v", attrs[2])
	}

	names = nil
	if err := tt.root.ReadDir(ctx, func(name string, _ *Attr) { names = append(names, name) }); err != nil {
		t.Fatalf("root ReadDir: %v", err)
	}
	if strings.Join(names, ",") != ".,..,Internal Storage" {
		t.Errorf("root names = %q", names)
	}

	file := tt.resolve(t, "Internal Storage/Folder/file.txt")
	if err := file.ReadDir(ctx, func(string, *Attr) {}); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("file ReadDir err = %v, want ErrNotADirectory", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	attr, err := tt.resolve(t, "Internal Storage/Folder").Stat(ctx)
	if err != nil {
		t.Fatalf("folder Stat: %v", err)
	}
	if !attr.IsDir() || attr.Nlink != 3 {
		t.Errorf("folder attr = %+v, want dir with nlink 3", attr)
	}

	attr, err = tt.resolve(t, "Internal Storage/Folder/file.txt").Stat(ctx)
	if err != nil {
		t.Fatalf("file Stat: %v", err)
	}
	if attr.IsDir() || attr.Size != uint64(len("content")) || attr.Mode.Perm() != 0o644 {
		t.Errorf("file attr = %+v", attr)
	}

	attr, err = tt.root.Stat(ctx)
	if err != nil {
		t.Fatalf("root Stat: %v", err)
	}
	if !attr.IsDir() || attr.Nlink != 3 {
		t.Errorf("root attr = %+v", attr)
	}
}

func TestRenameFolderInPlace(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	folder := tt.resolve(t, "Internal Storage/Folder")
	storage := tt.resolve(t, "Internal Storage")
	tt.dev.ResetCalls()

	if err := folder.Rename(ctx, storage, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if n := tt.dev.Calls(memory.OpRenameObject); n != 1 {
		t.Errorf("RenameObject calls = %d, want 1", n)
	}
	if n := tt.dev.Calls(memory.OpCreateFolder) + tt.dev.Calls(memory.OpDeleteObject) + tt.dev.Calls(memory.OpUpload); n != 0 {
		t.Errorf("create/delete/upload calls = %d, want 0", n)
	}
	if tt.cache.contains(tt.folder) || tt.cache.contains(tt.storage) {
		t.Error("renamed folder or its parent still cached")
	}

	n := tt.resolve(t, "Internal Storage/Renamed/file.txt")
	if n.ID() != tt.file {
		t.Errorf("file id after rename = %d, want %d", n.ID(), tt.file)
	}
}

func TestRenameFolderAcrossParents(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	dest := tt.dev.AddFolder(tt.storage, 0, "Dest")

	folder := tt.resolve(t, "Internal Storage/Folder")
	destNode := tt.resolve(t, "Internal Storage/Dest")
	tt.dev.ResetCalls()

	if err := folder.Rename(ctx, destNode, "Moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if n := tt.dev.Calls(memory.OpRenameObject); n != 0 {
		t.Errorf("RenameObject calls = %d, want 0", n)
	}
	if n := tt.dev.Calls(memory.OpCreateFolder); n != 1 {
		t.Errorf("CreateFolder calls = %d, want 1", n)
	}
	// One upload and one delete for the child, one delete for the source.
	if n := tt.dev.Calls(memory.OpUpload); n != 1 {
		t.Errorf("Upload calls = %d, want 1", n)
	}
	if n := tt.dev.Calls(memory.OpDeleteObject); n != 2 {
		t.Errorf("DeleteObject calls = %d, want 2", n)
	}
	if _, ok := tt.dev.Content(tt.folder); ok {
		t.Error("source folder still on device")
	}

	moved, ok := tt.dev.Lookup(tt.storage, dest, "Moved")
	if !ok {
		t.Fatal("Moved not created under Dest")
	}
	child, ok := tt.dev.Lookup(tt.storage, moved.ID, "file.txt")
	if !ok {
		t.Fatal("file.txt not re-homed")
	}
	if data, _ := tt.dev.Content(child.ID); string(data) != "content" {
		t.Errorf("moved content = %q", data)
	}

	if _, err := tt.root.Resolve(ctx, fspath.New("Internal Storage/Folder")); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("old path err = %v, want ErrNotFound", err)
	}
	tt.resolve(t, "Internal Storage/Dest/Moved/file.txt")
}

func TestRenameFileAcrossParents(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	file := tt.resolve(t, "Internal Storage/Folder/file.txt")
	storage := tt.resolve(t, "Internal Storage")
	tt.dev.ResetCalls()

	if err := file.Rename(ctx, storage, "top.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if n := tt.dev.Calls(memory.OpRenameObject); n != 0 {
		t.Errorf("RenameObject calls = %d, want 0", n)
	}
	moved, ok := tt.dev.Lookup(tt.storage, 0, "top.txt")
	if !ok {
		t.Fatal("top.txt not uploaded at the top of the storage")
	}
	if data, _ := tt.dev.Content(moved.ID); string(data) != "content" {
		t.Errorf("content = %q", data)
	}
	if _, ok := tt.dev.Content(tt.file); ok {
		t.Error("source file still on device")
	}
	if n := tt.resolve(t, "Internal Storage/top.txt"); n.ID() != moved.ID {
		t.Errorf("resolved id = %d, want %d", n.ID(), moved.ID)
	}
}

func TestRenameFileInPlace(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	file := tt.resolve(t, "Internal Storage/Folder/file.txt")
	folder := tt.resolve(t, "Internal Storage/Folder")
	if err := file.Rename(ctx, folder, "other.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if tt.cache.contains(tt.file) {
		t.Error("renamed file entry still cached")
	}
	if n := tt.resolve(t, "Internal Storage/Folder/other.txt"); n.ID() != tt.file {
		t.Errorf("id = %d, want %d", n.ID(), tt.file)
	}
}

func TestRemoveFolder(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	folder := tt.resolve(t, "Internal Storage/Folder")
	tt.dev.ResetCalls()

	if err := folder.Remove(ctx); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Remove err = %v, want ErrNotEmpty", err)
	}
	if n := tt.dev.Calls(memory.OpDeleteObject); n != 0 {
		t.Errorf("DeleteObject calls = %d, want 0", n)
	}

	if err := tt.resolve(t, "Internal Storage/Folder/file.txt").Remove(ctx); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	tt.dev.ResetCalls()

	if err := folder.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := tt.dev.Calls(memory.OpDeleteObject); n != 1 {
		t.Errorf("DeleteObject calls = %d, want 1", n)
	}
	if tt.cache.contains(tt.folder) {
		t.Error("folder entry still cached")
	}
	if tt.cache.contains(tt.storage) {
		t.Error("parent entry still cached")
	}
}

func TestNameTooLong(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	long := strings.Repeat("x", device.MaxNameLength+1)
	folder := NewFolder(tt.dev, tt.cache, tt.storage, tt.folder)
	file := NewFile(tt.dev, tt.cache, tt.file)

	if err := folder.Mkdir(ctx, long); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Mkdir err = %v, want ErrNameTooLong", err)
	}
	if _, err := folder.CreateFile(ctx, long); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("CreateFile err = %v, want ErrNameTooLong", err)
	}
	if err := file.Rename(ctx, folder, long); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Rename err = %v, want ErrNameTooLong", err)
	}
	if n := tt.dev.TotalCalls(); n != 0 {
		t.Errorf("device calls = %d, want 0", n)
	}

	if err := folder.Mkdir(ctx, strings.Repeat("y", device.MaxNameLength)); err != nil {
		t.Errorf("Mkdir at the limit: %v", err)
	}
}

func TestMkdirAndCreateFile(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	folder := tt.resolve(t, "Internal Storage/Folder")

	if err := folder.Mkdir(ctx, "Sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, ok := tt.resolve(t, "Internal Storage/Folder/Sub").(*Folder); !ok {
		t.Error("Sub did not resolve to a folder")
	}

	created, err := folder.CreateFile(ctx, "new.txt")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if n := tt.resolve(t, "Internal Storage/Folder/new.txt"); n.ID() != created.ID() {
		t.Errorf("resolved id = %d, want %d", n.ID(), created.ID())
	}
	if data, ok := tt.dev.Content(created.ID()); !ok || len(data) != 0 {
		t.Errorf("created content = %q, %v", data, ok)
	}

	top := tt.resolve(t, "Internal Storage")
	if err := top.Mkdir(ctx, "TopLevel"); err != nil {
		t.Fatalf("storage Mkdir: %v", err)
	}
	if _, ok := tt.dev.Lookup(tt.storage, 0, "TopLevel"); !ok {
		t.Error("TopLevel not created at the top of the storage")
	}
}

func TestFileReadWriteClose(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	file := tt.resolve(t, "Internal Storage/Folder/file.txt")

	if _, err := file.Read(ctx, make([]byte, 4), 0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Read before Open err = %v, want ErrNotOpen", err)
	}

	if err := file.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := file.Write(ctx, []byte(" and more"), 7); err != nil {
		t.Fatalf("Write: %v", err)
	}

	attr, err := file.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Size != uint64(len("content and more")) {
		t.Errorf("staged size = %d", attr.Size)
	}

	buf := make([]byte, 64)
	n, err := file.Read(ctx, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "content and more" {
		t.Errorf("Read = %q", buf[:n])
	}

	newID, err := file.Close(ctx)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if data, _ := tt.dev.Content(newID); string(data) != "content and more" {
		t.Errorf("uploaded = %q", data)
	}
	n2 := tt.resolve(t, "Internal Storage/Folder/file.txt")
	if n2.ID() != newID {
		t.Errorf("resolved id = %d, want %d", n2.ID(), newID)
	}
}

func TestFileTruncateUnopened(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	file := tt.resolve(t, "Internal Storage/Folder/file.txt")

	if err := file.Truncate(ctx, 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	info, ok := tt.dev.Lookup(tt.storage, tt.folder, "file.txt")
	if !ok {
		t.Fatal("file.txt missing after truncate")
	}
	if data, _ := tt.dev.Content(info.ID); string(data) != "con" {
		t.Errorf("content = %q, want \"con\"", data)
	}
	if tt.cache.OpenedFile(tt.file) != nil {
		t.Error("truncate left the file open")
	}
}

func TestUnsupportedDefaults(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	folder := NewFolder(tt.dev, tt.cache, tt.storage, tt.folder)
	file := NewFile(tt.dev, tt.cache, tt.file)

	if err := folder.Open(ctx); !errors.Is(err, ErrNotSupported) {
		t.Errorf("folder Open err = %v", err)
	}
	if _, err := folder.Write(ctx, nil, 0); !errors.Is(err, ErrNotSupported) {
		t.Errorf("folder Write err = %v", err)
	}
	if err := file.Mkdir(ctx, "x"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("file Mkdir err = %v", err)
	}
	if _, err := file.DirectorySize(ctx); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("file DirectorySize err = %v", err)
	}
	if err := folder.Rename(ctx, file, "x"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("rename into a file err = %v", err)
	}
}

func TestParentNodeID(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)

	tests := []struct {
		node Node
		want device.NodeID
	}{
		{NewFile(tt.dev, tt.cache, tt.file), tt.folder},
		{NewFolder(tt.dev, tt.cache, tt.storage, tt.folder), tt.storage},
		{NewStorage(tt.dev, tt.cache, tt.storage), RootID},
		{tt.root, RootID},
	}
	for _, tc := range tests {
		got, err := tc.node.ParentNodeID(ctx)
		if err != nil {
			t.Fatalf("ParentNodeID(%d): %v", tc.node.ID(), err)
		}
		if got != tc.want {
			t.Errorf("ParentNodeID(%d) = %d, want %d", tc.node.ID(), got, tc.want)
		}
	}
}

func TestRenameAcrossStorages(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		wantCreates int
		wantUploads int
		wantDeletes int
	}{
		{"file", "Internal Storage/top.txt", 0, 1, 1},
		{"folder", "Internal Storage/Folder", 1, 1, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tt := newTestTree(t)
			tt.dev.AddFile(tt.storage, 0, "top.txt", []byte("top"))
			card := tt.dev.AddStorage("SD Card", 1<<20)

			src := tt.resolve(t, tc.src)
			dest := tt.resolve(t, "SD Card")
			// Both parents have folder id 0; only the storage differs.
			md, err := src.Metadata(ctx)
			if err != nil {
				t.Fatalf("Metadata: %v", err)
			}
			if destFolder, _ := dest.FolderID(); md.Info.ParentID != destFolder {
				t.Fatalf("parent %d, dest folder %d; want equal", md.Info.ParentID, destFolder)
			}
			tt.dev.ResetCalls()

			name := fspath.New(tc.src).Tail()
			if err := src.Rename(ctx, dest, name); err != nil {
				t.Fatalf("Rename: %v", err)
			}

			if n := tt.dev.Calls(memory.OpRenameObject); n != 0 {
				t.Errorf("RenameObject calls = %d, want 0", n)
			}
			if n := tt.dev.Calls(memory.OpCreateFolder); n != tc.wantCreates {
				t.Errorf("CreateFolder calls = %d, want %d", n, tc.wantCreates)
			}
			if n := tt.dev.Calls(memory.OpUpload); n != tc.wantUploads {
				t.Errorf("Upload calls = %d, want %d", n, tc.wantUploads)
			}
			if n := tt.dev.Calls(memory.OpDeleteObject); n != tc.wantDeletes {
				t.Errorf("DeleteObject calls = %d, want %d", n, tc.wantDeletes)
			}
			if _, ok := tt.dev.Lookup(card, 0, name); !ok {
				t.Errorf("%s not on SD Card", name)
			}
			if _, ok := tt.dev.Lookup(tt.storage, 0, name); ok {
				t.Errorf("%s still on Internal Storage", name)
			}
		})
	}
}

func TestRenameFolderRecursive(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	sub := tt.dev.AddFolder(tt.storage, tt.folder, "Sub")
	tt.dev.AddFile(tt.storage, sub, "deep.txt", []byte("deep"))
	dest := tt.dev.AddFolder(tt.storage, 0, "Dest")

	folder := tt.resolve(t, "Internal Storage/Folder")
	destNode := tt.resolve(t, "Internal Storage/Dest")
	tt.dev.ResetCalls()

	if err := folder.Rename(ctx, destNode, "Moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	// Moved and Moved/Sub are created; both files are re-uploaded; the two
	// files, Sub and Folder are deleted.
	want := map[string]int{
		memory.OpCreateFolder: 2,
		memory.OpUpload:       2,
		memory.OpDeleteObject: 4,
		memory.OpRenameObject: 0,
	}
	for op, n := range want {
		if got := tt.dev.Calls(op); got != n {
			t.Errorf("%s calls = %d, want %d", op, got, n)
		}
	}

	moved, ok := tt.dev.Lookup(tt.storage, dest, "Moved")
	if !ok {
		t.Fatal("Moved not created")
	}
	movedSub, ok := tt.dev.Lookup(tt.storage, moved.ID, "Sub")
	if !ok {
		t.Fatal("Sub not re-created under Moved")
	}
	deep, ok := tt.dev.Lookup(tt.storage, movedSub.ID, "deep.txt")
	if !ok {
		t.Fatal("deep.txt not moved")
	}
	if data, _ := tt.dev.Content(deep.ID); string(data) != "deep" {
		t.Errorf("deep.txt = %q", data)
	}
	for _, id := range []device.NodeID{tt.folder, sub} {
		if _, ok := tt.dev.Content(id); ok {
			t.Errorf("source %d still on device", id)
		}
	}
	tt.resolve(t, "Internal Storage/Dest/Moved/Sub/deep.txt")
}

func TestRenameWhileOpen(t *testing.T) {
	tests := []struct {
		name      string
		dest      string
		newName   string
		wantInDir func(tt *testTree) device.NodeID
	}{
		{"in place", "Internal Storage/Folder", "renamed.txt", func(tt *testTree) device.NodeID { return tt.folder }},
		{"across parents", "Internal Storage", "moved.txt", func(tt *testTree) device.NodeID { return 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tt := newTestTree(t)
			file := tt.resolve(t, "Internal Storage/Folder/file.txt")
			dest := tt.resolve(t, tc.dest)

			if err := file.Open(ctx); err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, err := file.Write(ctx, []byte(" v2"), 7); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := file.Rename(ctx, dest, tc.newName); err != nil {
				t.Fatalf("Rename: %v", err)
			}
			if _, err := file.Write(ctx, []byte("!"), 10); err != nil {
				t.Fatalf("Write after rename: %v", err)
			}
			if _, err := file.Close(ctx); err != nil {
				t.Fatalf("Close: %v", err)
			}

			if _, ok := tt.dev.Lookup(tt.storage, tt.folder, "file.txt"); ok {
				t.Error("close restored the old name")
			}
			info, ok := tt.dev.Lookup(tt.storage, tc.wantInDir(tt), tc.newName)
			if !ok {
				t.Fatalf("%s missing after close", tc.newName)
			}
			if data, _ := tt.dev.Content(info.ID); string(data) != "content v2!" {
				t.Errorf("%s = %q, want %q", tc.newName, data, "content v2!")
			}
		})
	}
}

func TestRemoveWhileOpen(t *testing.T) {
	ctx := context.Background()
	tt := newTestTree(t)
	file := tt.resolve(t, "Internal Storage/Folder/file.txt")

	if err := file.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := file.Write(ctx, []byte("changed"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := file.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	tt.dev.ResetCalls()

	if _, err := file.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := tt.dev.Calls(memory.OpUpload); n != 0 {
		t.Errorf("Upload calls on close = %d, want 0", n)
	}
	if _, ok := tt.dev.Lookup(tt.storage, tt.folder, "file.txt"); ok {
		t.Error("unlinked file is back on the device")
	}
	if _, err := tt.root.Resolve(ctx, fspath.New("Internal Storage/Folder/file.txt")); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("resolve err = %v, want ErrNotFound", err)
	}
}
