package device

import "errors"

var (
	// ErrOutOfRange is returned for transfers that extend past the device end.
	ErrOutOfRange = errors.New("device: transfer out of range")

	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device: closed")

	// ErrShortTransfer is returned when the transport moved fewer bytes than asked.
	ErrShortTransfer = errors.New("device: short transfer")

	// ErrLocked is returned when the backing file is locked by another process.
	ErrLocked = errors.New("device: file is locked by another process")
)
