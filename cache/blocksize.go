package cache

import (
	"context"
	"fmt"

	"github.com/joshuapare/lmfs/internal/buf"
)

// RegisterMajor sets the minimum transfer unit of devices with the given
// major number. Devices without an entry use 512 bytes.
func (p *Pool) RegisterMajor(major uint8, minUnit int) error {
	if !buf.IsPow2(minUnit) {
		return fmt.Errorf("%w: minimum unit %d", ErrBadBlockSize, minUnit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.majors[major] = minUnit
	return nil
}

func (p *Pool) minUnitLocked(major uint8) int {
	if u, ok := p.majors[major]; ok {
		return u
	}
	return defaultMinUnit
}

// validBlockSize reports whether size is minUnit times a power of two.
func validBlockSize(size, minUnit int) bool {
	return size >= minUnit && size%minUnit == 0 && buf.IsPow2(size/minUnit)
}

// SetBlockSize switches the pool to size-byte blocks for a filesystem on a
// device with the given major number. Dirty blocks are written and every
// cached block is dropped. It fails with ErrBlocksInUse while any buffer is
// referenced. VM caching is re-evaluated for the new size.
func (p *Pool) SetBlockSize(ctx context.Context, size int, major uint8) error {
	p.mu.Lock()
	minUnit := p.minUnitLocked(major)
	if !validBlockSize(size, minUnit) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d (minimum unit %d)", ErrBadBlockSize, size, minUnit)
	}
	if size == p.blockSize {
		p.fsBlock = size
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.rebuild(ctx, "set block size", func() {
		p.blockSize = size
		p.fsBlock = size
		p.allocLocked(len(p.slots))
		p.reevaluateLocked()
	})
}

// FSBlockSize returns the block size last set successfully.
func (p *Pool) FSBlockSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fsBlock
}
