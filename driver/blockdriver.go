package driver

import (
	"fmt"

	"github.com/joshuapare/lmfs/device"
)

// Ioctl commands understood by BlockDriver.
const (
	IoctlSize      uint32 = iota + 1 // Val: device size in bytes (int64)
	IoctlSync                        // flush the device
	IoctlOpenCount                   // Val: open count (int)
)

type attached struct {
	d     device.Device
	opens int
}

// BlockDriver serves block devices. Its state is only touched under the
// pool gate, so it needs no lock of its own.
type BlockDriver struct {
	devs map[device.Dev]*attached
}

// NewBlockDriver returns a driver with no devices.
func NewBlockDriver() *BlockDriver {
	return &BlockDriver{devs: make(map[device.Dev]*attached)}
}

// Attach makes d available as dev. Call before the pool runs.
func (b *BlockDriver) Attach(dev device.Dev, d device.Device) {
	b.devs[dev] = &attached{d: d}
}

func (b *BlockDriver) lookup(dev device.Dev) (*attached, error) {
	a, ok := b.devs[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, dev)
	}
	return a, nil
}

// Open counts an open of req.Dev.
func (b *BlockDriver) Open(_ *Task, req *Request) error {
	a, err := b.lookup(req.Dev)
	if err != nil {
		return err
	}
	a.opens++
	return nil
}

// Close undoes one Open. Closing a device that is not open is an error.
func (b *BlockDriver) Close(_ *Task, req *Request) error {
	a, err := b.lookup(req.Dev)
	if err != nil {
		return err
	}
	if a.opens == 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, req.Dev)
	}
	a.opens--
	return nil
}

// Transfer moves data with the gate released.
func (b *BlockDriver) Transfer(t *Task, req *Request) (int, error) {
	a, err := b.lookup(req.Dev)
	if err != nil {
		return 0, err
	}
	if a.opens == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotOpen, req.Dev)
	}

	d := a.d
	var n int
	err = t.Block(func() error {
		var err error
		switch req.Op {
		case OpRead:
			n, err = d.ReadAt(req.Data, req.Off)
		case OpWrite:
			n, err = d.WriteAt(req.Data, req.Off)
		case OpGather:
			if err = d.Gather(req.Segs); err == nil {
				n = segBytes(req.Segs)
			}
		case OpScatter:
			if err = d.Scatter(req.Segs); err == nil {
				n = segBytes(req.Segs)
			}
		default:
			err = ErrUnsupported
		}
		return err
	})
	return n, err
}

func segBytes(segs []device.Segment) int {
	n := 0
	for _, s := range segs {
		n += len(s.Data)
	}
	return n
}

// Ioctl serves IoctlSize, IoctlSync and IoctlOpenCount.
func (b *BlockDriver) Ioctl(t *Task, req *Request) (any, error) {
	a, err := b.lookup(req.Dev)
	if err != nil {
		return nil, err
	}
	switch req.Cmd {
	case IoctlSize:
		return a.d.Size(), nil
	case IoctlSync:
		d := a.d
		return nil, t.Block(d.Sync)
	case IoctlOpenCount:
		return a.opens, nil
	}
	return nil, fmt.Errorf("%w: ioctl %d", ErrUnsupported, req.Cmd)
}

// Cleanup has nothing to release.
func (b *BlockDriver) Cleanup() {}

// Other rejects alarms, interrupts and unknown requests with ErrUnsupported.
func (b *BlockDriver) Other(_ *Task, req *Request) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Op)
}
