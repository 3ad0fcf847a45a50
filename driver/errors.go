package driver

import "errors"

var (
	// ErrBusy is returned by Stop while a worker is not idle or requests are queued.
	ErrBusy = errors.New("driver: workers busy")

	// ErrStopped is returned for requests submitted to a stopped pool.
	ErrStopped = errors.New("driver: pool stopped")

	// ErrRunning is returned by a second Run.
	ErrRunning = errors.New("driver: pool already running")

	// ErrWorkers is returned by New for an invalid worker count.
	ErrWorkers = errors.New("driver: invalid worker count")

	// ErrUnsupported is returned for operations the driver does not implement.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrNoDevice is returned for requests naming a device that is not attached.
	ErrNoDevice = errors.New("driver: no such device")

	// ErrNotOpen is returned when closing a device that is not open.
	ErrNotOpen = errors.New("driver: device not open")
)
