package cache

import "github.com/joshuapare/lmfs/device"

// Buf is a referenced buffer returned by GetBlock. It stays valid until the
// matching PutBlock.
type Buf struct {
	p   *Pool
	idx int32
	gen uint32
}

// IsZero reports whether b is the zero handle.
func (b Buf) IsZero() bool { return b.p == nil }

// slot resolves the handle. Pool.mu must be held.
func (b Buf) slot() *slot {
	if b.p == nil || b.idx < 0 || int(b.idx) >= len(b.p.slots) {
		panic("cache: invalid buffer handle")
	}
	s := &b.p.slots[b.idx]
	if s.gen != b.gen || s.count == 0 {
		panic("cache: stale buffer handle")
	}
	return s
}

// Data returns the block contents. The slice is owned by the pool and must
// not be used after PutBlock.
func (b Buf) Data() []byte {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().data
}

// Dev returns the device the buffer belongs to.
func (b Buf) Dev() device.Dev {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().dev
}

// Block returns the block number.
func (b Buf) Block() uint64 {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().block
}

// Valid reports whether the buffer holds the block's data. Only ModePrefetch
// returns buffers that may not.
func (b Buf) Valid() bool {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().valid()
}

// Bytes returns the number of valid bytes.
func (b Buf) Bytes() int {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().bytes
}

// Flags returns the buffer's VM cache flags.
func (b Buf) Flags() Flags {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.slot().flags
}

// Inode returns the owning inode and the block's offset within it, or
// NoInode.
func (b Buf) Inode() (ino, off uint64) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	s := b.slot()
	return s.ino, s.inoOff
}

// MarkDirty records that the caller modified the buffer. The buffer becomes
// valid and is written back before it can be recycled.
func (b Buf) MarkDirty() {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	s := b.slot()
	s.bytes = len(s.data)
	s.dirtyGen++
	s.flags &^= FlagVMBacked
	if !s.dirty {
		s.dirty = true
		b.p.dirty.Add(s.dev, s.block, b.idx)
	}
}

// MarkClean discards the dirty state without writing.
func (b Buf) MarkClean() {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	s := b.slot()
	if s.dirty {
		s.dirty = false
		b.p.dirty.Remove(s.dev, s.block)
	}
}

// IsClean reports whether the buffer matches the device.
func (b Buf) IsClean() bool {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return !b.slot().dirty
}
