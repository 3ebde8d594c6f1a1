package fuse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/device/memory"
	"github.com/fruitsalade/mtpfs/internal/mtpfs"
)

func TestToErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", device.ErrNotFound, syscall.ENOENT},
		{"wrapped not found", fmt.Errorf("resolve: %w", device.ErrNotFound), syscall.ENOENT},
		{"storage not found", device.ErrStorageNotFound, syscall.ENOENT},
		{"not a directory", mtpfs.ErrNotADirectory, syscall.ENOTDIR},
		{"not supported", mtpfs.ErrNotSupported, syscall.ENOTSUP},
		{"not empty", mtpfs.ErrNotEmpty, syscall.ENOTEMPTY},
		{"name too long", mtpfs.ErrNameTooLong, syscall.ENAMETOOLONG},
		{"read only", mtpfs.ErrReadOnly, syscall.EROFS},
		{"not open", mtpfs.ErrNotOpen, syscall.EBADF},
		{"timeout", context.DeadlineExceeded, syscall.ETIMEDOUT},
		{"disconnected", device.ErrDeviceDisconnected, syscall.EIO},
		{"device error", device.NewDeviceError(device.CodeStoreFull, "full"), syscall.EIO},
		{"no error left", device.ErrExpectedErrorNotFound, syscall.EIO},
		{"id mismatch", mtpfs.ErrIDMismatch, syscall.EIO},
		{"other", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrno(tt.err); got != tt.want {
				t.Errorf("ToErrno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrnoName(t *testing.T) {
	if got := errnoName(0); got != "OK" {
		t.Errorf("errnoName(0) = %q", got)
	}
	if got := errnoName(syscall.ENOENT); got != "ENOENT" {
		t.Errorf("errnoName(ENOENT) = %q", got)
	}
}

func TestFillAttr(t *testing.T) {
	f := &FS{uid: 1000, gid: 100}
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	var out gofuse.Attr
	f.fillAttr(mtpfs.Attr{Mode: 0o644, Size: 1025, Nlink: 1, ModTime: mtime}, &out)
	if out.Mode != syscall.S_IFREG|0o644 {
		t.Errorf("file mode = %o", out.Mode)
	}
	if out.Size != 1025 || out.Blocks != 3 {
		t.Errorf("size = %d blocks = %d, want 1025 and 3", out.Size, out.Blocks)
	}
	if out.Mtime != uint64(mtime.Unix()) || out.Uid != 1000 || out.Gid != 100 {
		t.Errorf("attr = %+v", out)
	}

	out = gofuse.Attr{}
	f.fillAttr(mtpfs.Attr{Mode: fs.ModeDir | 0o755, Nlink: 4}, &out)
	if out.Mode != syscall.S_IFDIR|0o755 || out.Nlink != 4 {
		t.Errorf("dir attr = %+v", out)
	}
	if out.Mtime != 0 {
		t.Errorf("zero mtime = %d, want 0", out.Mtime)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDemo()
	f := New(dev, mtpfs.NewCache(0, t.TempDir()), Config{})

	root, err := f.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	if root.ID() != mtpfs.RootID {
		t.Errorf("root id = %d", root.ID())
	}

	n, err := f.Resolve(ctx, "Internal Storage/DCIM/Camera/IMG_0001.txt")
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	if _, ok := n.(*mtpfs.File); !ok {
		t.Errorf("resolved %T, want *mtpfs.File", n)
	}

	if _, err := f.Resolve(ctx, "SD Card/missing"); ToErrno(err) != syscall.ENOENT {
		t.Errorf("missing path errno = %v, want ENOENT", ToErrno(err))
	}
}

func TestRenameReplacesDestination(t *testing.T) {
	tests := []struct {
		name        string
		failUpload  bool
		noReplace   bool
		wantErr     error
		wantContent string
	}{
		{"replaced", false, false, nil, "mounted by mtpfs\n"},
		{"move fails, destination restored", true, false, device.ErrDeviceDisconnected, "old tune"},
		{"no replace", false, true, errExists, "old tune"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dev := memory.NewDemo()
			music, _ := dev.Lookup(0x00010001, 0, "Music")
			dev.AddFile(0x00010001, music.ID, "readme.txt", []byte("old tune"))
			f := New(dev, mtpfs.NewCache(0, t.TempDir()), Config{})

			if tt.failUpload {
				dev.FailNext(memory.OpUpload, device.ErrDeviceDisconnected)
			}
			err := f.rename(ctx, "Internal Storage/readme.txt", "Internal Storage/Music", "readme.txt", tt.noReplace)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("rename: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("rename err = %v, want %v", err, tt.wantErr)
			}

			info, ok := dev.Lookup(0x00010001, music.ID, "readme.txt")
			if !ok {
				t.Fatal("Music/readme.txt missing")
			}
			if data, _ := dev.Content(info.ID); string(data) != tt.wantContent {
				t.Errorf("Music/readme.txt = %q, want %q", data, tt.wantContent)
			}
			children, err := dev.ListChildren(ctx, 0x00010001, music.ID)
			if err != nil {
				t.Fatalf("ListChildren: %v", err)
			}
			if len(children) != 1 {
				t.Errorf("Music has %d children, want 1 (nothing left aside)", len(children))
			}
		})
	}
}

func TestRenameOntoNonEmptyFolder(t *testing.T) {
	ctx := context.Background()
	dev := memory.NewDemo()
	f := New(dev, mtpfs.NewCache(0, t.TempDir()), Config{})
	dev.AddFolder(0x00010001, 0, "Empty")

	err := f.rename(ctx, "Internal Storage/Empty", "Internal Storage", "DCIM", false)
	if ToErrno(err) != syscall.ENOTEMPTY {
		t.Fatalf("err = %v, want ENOTEMPTY", err)
	}
	if _, ok := dev.Lookup(0x00010001, 0, "DCIM"); !ok {
		t.Error("DCIM touched by failed rename")
	}
}
