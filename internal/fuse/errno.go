package fuse

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/mtpfs"
)

// ToErrno maps core and device errors to the errno returned to the kernel.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrStorageNotFound):
		return unix.ENOENT
	case errors.Is(err, mtpfs.ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, mtpfs.ErrNotSupported):
		return unix.ENOTSUP
	case errors.Is(err, mtpfs.ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, mtpfs.ErrNameTooLong):
		return unix.ENAMETOOLONG
	case errors.Is(err, mtpfs.ErrReadOnly):
		return unix.EROFS
	case errors.Is(err, mtpfs.ErrNotOpen):
		return unix.EBADF
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	default:
		return unix.EIO
	}
}

func errnoName(e syscall.Errno) string {
	if e == 0 {
		return "OK"
	}
	if name := unix.ErrnoName(e); name != "" {
		return name
	}
	return e.Error()
}
