package mtpfs

import "errors"

var (
	// ErrNotADirectory is returned by directory operations on a file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotSupported is returned when the node kind has no such operation.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNotEmpty is returned when removing a folder that still has children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNameTooLong is returned for names longer than device.MaxNameLength.
	ErrNameTooLong = errors.New("name too long")

	// ErrReadOnly is returned for mutations at the root or on a storage.
	ErrReadOnly = errors.New("read-only location")

	// ErrIDMismatch is returned when a fetch yields metadata for another id.
	ErrIDMismatch = errors.New("fetched metadata for a different id")

	// ErrNotOpen is returned for reads and writes on a file with no open
	// staging copy.
	ErrNotOpen = errors.New("file not open")
)
