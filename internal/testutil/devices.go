// Package testutil provides block devices with controllable behaviour for
// tests of the cache, driver and live-update packages.
package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/lmfs/device"
)

// ErrInjected is the error returned by FaultyDevice for failing offsets.
var ErrInjected = errors.New("testutil: injected I/O error")

// NewPatternDevice returns a ramdisk with the given number of blocks. Each
// byte of block i holds byte(i), so block contents identify the block.
func NewPatternDevice(bsize, blocks int) *device.MemDevice {
	data := make([]byte, bsize*blocks)
	for i := range blocks {
		for j := range bsize {
			data[i*bsize+j] = byte(i)
		}
	}
	return device.NewMemDeviceFrom(data)
}

// BlockingDevice blocks on every read. It announces the block on HasBlocked
// and proceeds once a value arrives on Unblock.
type BlockingDevice struct {
	device.Device
	HasBlocked chan struct{}
	Unblock    chan struct{}
}

// NewBlockingDevice wraps dev.
func NewBlockingDevice(dev device.Device) *BlockingDevice {
	return &BlockingDevice{
		Device:     dev,
		HasBlocked: make(chan struct{}),
		Unblock:    make(chan struct{}),
	}
}

func (d *BlockingDevice) ReadAt(p []byte, off int64) (int, error) {
	d.HasBlocked <- struct{}{}
	<-d.Unblock
	return d.Device.ReadAt(p, off)
}

func (d *BlockingDevice) Gather(segs []device.Segment) error {
	d.HasBlocked <- struct{}{}
	<-d.Unblock
	return d.Device.Gather(segs)
}

// CountingDevice counts calls made to the wrapped device.
type CountingDevice struct {
	device.Device
	Reads    atomic.Int64
	Writes   atomic.Int64
	Gathers  atomic.Int64
	Scatters atomic.Int64
	Segments atomic.Int64 // total segments across Gather and Scatter
	Syncs    atomic.Int64
}

// NewCountingDevice wraps dev.
func NewCountingDevice(dev device.Device) *CountingDevice {
	return &CountingDevice{Device: dev}
}

func (d *CountingDevice) ReadAt(p []byte, off int64) (int, error) {
	d.Reads.Add(1)
	return d.Device.ReadAt(p, off)
}

func (d *CountingDevice) WriteAt(p []byte, off int64) (int, error) {
	d.Writes.Add(1)
	return d.Device.WriteAt(p, off)
}

func (d *CountingDevice) Gather(segs []device.Segment) error {
	d.Gathers.Add(1)
	d.Segments.Add(int64(len(segs)))
	return d.Device.Gather(segs)
}

func (d *CountingDevice) Scatter(segs []device.Segment) error {
	d.Scatters.Add(1)
	d.Segments.Add(int64(len(segs)))
	return d.Device.Scatter(segs)
}

func (d *CountingDevice) Sync() error {
	d.Syncs.Add(1)
	return d.Device.Sync()
}

// FaultyDevice fails transfers that touch chosen offsets.
//
// With WholeBatch set, a vectored call touching a failing offset fails as a
// whole with a plain error, as a transport without per-segment status would.
// Otherwise it reports a *device.VectorError naming the failing segments.
type FaultyDevice struct {
	device.Device

	mu         sync.Mutex
	failing    map[int64]bool
	WholeBatch bool
}

// NewFaultyDevice wraps dev.
func NewFaultyDevice(dev device.Device) *FaultyDevice {
	return &FaultyDevice{Device: dev, failing: make(map[int64]bool)}
}

// FailAt makes every transfer starting at off fail.
func (d *FaultyDevice) FailAt(off int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[off] = true
}

// Heal removes every injected failure.
func (d *FaultyDevice) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = make(map[int64]bool)
}

func (d *FaultyDevice) fails(off int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failing[off]
}

func (d *FaultyDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.fails(off) {
		return 0, ErrInjected
	}
	return d.Device.ReadAt(p, off)
}

func (d *FaultyDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.fails(off) {
		return 0, ErrInjected
	}
	return d.Device.WriteAt(p, off)
}

func (d *FaultyDevice) Gather(segs []device.Segment) error {
	return d.vector("gather", segs, d.Device.Gather)
}

func (d *FaultyDevice) Scatter(segs []device.Segment) error {
	return d.vector("scatter", segs, d.Device.Scatter)
}

func (d *FaultyDevice) vector(op string, segs []device.Segment, fn func([]device.Segment) error) error {
	var (
		ok   []device.Segment
		okAt []int
		ve   *device.VectorError
	)
	for i, s := range segs {
		if !d.fails(s.Off) {
			ok = append(ok, s)
			okAt = append(okAt, i)
			continue
		}
		if d.WholeBatch {
			return ErrInjected
		}
		if ve == nil {
			ve = &device.VectorError{Op: op, Errs: make([]error, len(segs))}
		}
		ve.Errs[i] = ErrInjected
	}

	if err := fn(ok); err != nil {
		if ve == nil {
			ve = &device.VectorError{Op: op, Errs: make([]error, len(segs))}
		}
		for j, i := range okAt {
			ve.Errs[i] = device.SegmentErr(err, j)
		}
	}
	if ve != nil {
		return ve
	}
	return nil
}
