package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id has no corresponding object.
	ErrNotFound = errors.New("object not found")

	// ErrDeviceDisconnected is fatal: the mount must report I/O errors
	// until the device is mounted again.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrExpectedErrorNotFound is returned when a device call reported
	// failure but left no error behind.
	ErrExpectedErrorNotFound = errors.New("expected a device error but found none")

	// ErrStorageNotFound is returned when a storage id is not in the
	// current storage list.
	ErrStorageNotFound = errors.New("storage not found")
)

// Protocol response codes the adapter layer cares about.
const (
	CodeGeneralError        uint16 = 0x2002
	CodeInvalidObjectHandle uint16 = 0x2009
	CodeStoreFull           uint16 = 0x200C
	CodeDeviceBusy          uint16 = 0x2019
	CodeTransactionCanceled uint16 = 0x201F
)

// DeviceError carries a protocol response code and message.
type DeviceError struct {
	Code    uint16
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error 0x%04x: %s", e.Code, e.Message)
}

// Transient reports whether the code is worth retrying.
func (e *DeviceError) Transient() bool {
	return e.Code == CodeDeviceBusy || e.Code == CodeTransactionCanceled
}

// NewDeviceError returns a *DeviceError.
func NewDeviceError(code uint16, format string, args ...interface{}) error {
	return &DeviceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is a DeviceError with a retryable code.
func IsTransient(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Transient()
}
