package device

import (
	"fmt"
	"sync"

	"github.com/joshuapare/lmfs/internal/buf"
)

// MemDevice is a ramdisk.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemDevice creates a zero-filled ramdisk of size bytes.
func NewMemDevice(size int) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// NewMemDeviceFrom wraps data as a ramdisk. The slice is used directly.
func NewMemDeviceFrom(data []byte) *MemDevice {
	return &MemDevice{data: data}
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if _, err := buf.CheckRange(int64(len(m.data)), off, len(p)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return copy(p, m.data[off:]), nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if _, err := buf.CheckRange(int64(len(m.data)), off, len(p)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return copy(m.data[off:], p), nil
}

// Gather reads each segment. Out-of-range segments fail individually.
func (m *MemDevice) Gather(segs []Segment) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.vector("gather", segs, func(s Segment) { copy(s.Data, m.data[s.Off:]) })
}

// Scatter writes each segment. Out-of-range segments fail individually.
func (m *MemDevice) Scatter(segs []Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.vector("scatter", segs, func(s Segment) { copy(m.data[s.Off:], s.Data) })
}

func (m *MemDevice) vector(op string, segs []Segment, fn func(Segment)) error {
	var ve *VectorError
	for i, s := range segs {
		if _, err := buf.CheckRange(int64(len(m.data)), s.Off, len(s.Data)); err != nil {
			if ve == nil {
				ve = &VectorError{Op: op, Errs: make([]error, len(segs))}
			}
			ve.Errs[i] = fmt.Errorf("%w: %v", ErrOutOfRange, err)
			continue
		}
		fn(s)
	}
	if ve != nil {
		return ve
	}
	return nil
}

func (m *MemDevice) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *MemDevice) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the ramdisk closed. Double close is a no-op.
func (m *MemDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bytes returns the backing slice (for tests and image export).
func (m *MemDevice) Bytes() []byte {
	return m.data
}
