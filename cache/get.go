package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/internal/buf"
)

// GetBlock returns a referenced buffer for block on dev.
func (p *Pool) GetBlock(dev device.Dev, block uint64, mode Mode) (Buf, error) {
	return p.GetBlockIno(dev, block, mode, NoInode, 0)
}

// GetBlockIno is GetBlock for a block that belongs to inode ino at byte
// offset off within the file. The inode tag is passed on to the VM cache.
func (p *Pool) GetBlockIno(dev device.Dev, block uint64, mode Mode, ino, off uint64) (Buf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := p.admitLocked(); err != nil {
			return Buf{}, err
		}
		d, err := p.device(dev)
		if err != nil {
			return Buf{}, err
		}

		k := key{dev, block}
		if i, ok := p.hash[k]; ok {
			if st := p.slots[i].io; st != nil {
				p.waitLocked(st)
				if st.err != nil {
					return Buf{}, st.err
				}
				continue
			}
			return p.hitLocked(i, d, mode, ino, off)
		}

		// A peek never evicts: check the VM cache before claiming a victim.
		if mode == ModePeek && !p.vmHasLocked(dev, block) {
			return Buf{}, ErrNotCached
		}

		i, ok := p.victim()
		if !ok {
			if st := p.freeIOLocked(); st != nil {
				p.waitLocked(st)
				continue
			}
			return Buf{}, ErrNoBuffers
		}
		if p.slots[i].dirty {
			// Only dirty buffers are left; write the oldest and look again.
			if err := p.writeSlotLocked(i); err != nil {
				return Buf{}, err
			}
			continue
		}
		return p.missLocked(i, d, k, mode, ino, off)
	}
}

// admitLocked blocks while the pool is suspended.
func (p *Pool) admitLocked() error {
	for p.suspended && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return ErrClosed
	}
	return nil
}

// waitLocked drops the lock until st completes.
func (p *Pool) waitLocked(st *ioState) {
	p.mu.Unlock()
	<-st.done
	p.mu.Lock()
}

// freeIOLocked returns a transfer in flight on an unreferenced slot.
func (p *Pool) freeIOLocked() *ioState {
	for i := p.head; i != nilSlot; i = p.slots[i].next {
		if st := p.slots[i].io; st != nil {
			return st
		}
	}
	return nil
}

func (p *Pool) handle(i int32) Buf {
	return Buf{p: p, idx: i, gen: p.slots[i].gen}
}

func (p *Pool) hitLocked(i int32, d device.Device, mode Mode, ino, off uint64) (Buf, error) {
	s := &p.slots[i]
	first := s.count == 0
	p.ref(i)
	p.stats.hits++
	if ino != NoInode {
		s.ino, s.inoOff = ino, off
	}

	// The VM cache let go of the block since it was published; reread a
	// clean copy nobody else is looking at.
	if mode == ModeNormal && first && !s.dirty && s.flags&FlagVMBacked != 0 &&
		p.vm != nil && p.vm.Generation(s.dev) != s.vmGen {
		s.flags &^= FlagVMBacked
		s.bytes = 0
	}

	if s.valid() {
		return p.handle(i), nil
	}
	switch mode {
	case ModeNoRead:
		clear(s.data)
		s.bytes = len(s.data)
		return p.handle(i), nil
	case ModePrefetch:
		return p.handle(i), nil
	case ModePeek:
		p.releaseLocked(i)
		return Buf{}, ErrNotCached
	}
	return p.fillLocked(i, d, mode)
}

func (p *Pool) missLocked(i int32, d device.Device, k key, mode Mode, ino, off uint64) (Buf, error) {
	s := &p.slots[i]
	if s.tagged {
		p.stats.evictions++
		p.log.Debug("cache: evict", "dev", s.dev.String(), "block", s.block)
	}
	p.untag(i)
	p.unlink(i)

	s.dev, s.block, s.tagged = k.dev, k.block, true
	p.hash[k] = i
	s.count = 1
	if ino != NoInode {
		s.ino, s.inoOff = ino, off
	}
	p.stats.misses++

	switch mode {
	case ModeNoRead:
		clear(s.data)
		s.bytes = len(s.data)
		return p.handle(i), nil
	case ModePrefetch:
		return p.handle(i), nil
	}
	return p.fillLocked(i, d, mode)
}

// vmHasLocked reports whether the VM cache holds the whole of block.
func (p *Pool) vmHasLocked(dev device.Dev, block uint64) bool {
	if !p.vmEnabled {
		return false
	}
	off, err := buf.BlockOffset(block, p.blockSize)
	if err != nil {
		return false
	}
	return p.vm.Has(dev, off, p.blockSize)
}

// fillLocked loads a referenced slot from the VM cache or the device.
func (p *Pool) fillLocked(i int32, d device.Device, mode Mode) (Buf, error) {
	s := &p.slots[i]
	off, err := buf.BlockOffset(s.block, len(s.data))
	if err != nil {
		p.releaseLocked(i)
		return Buf{}, &BlockError{Dev: s.dev, Block: s.block, Op: "read", Err: err}
	}

	if p.vmEnabled {
		if gen, ok := p.vm.Get(s.dev, off, s.ino, s.inoOff, s.data); ok {
			s.bytes = len(s.data)
			s.flags |= FlagVMBacked
			s.vmGen = gen
			if s.ino == NoInode {
				// Adopt the owner recorded by whoever published the block.
				if ino, ioff, ok := p.vm.Inode(s.dev, off); ok {
					s.ino, s.inoOff = ino, ioff
				}
			}
			return p.handle(i), nil
		}
	}
	if mode == ModePeek {
		p.releaseLocked(i)
		return Buf{}, ErrNotCached
	}

	st := newIOState()
	s.io = st
	data, dev, block := s.data, s.dev, s.block

	p.mu.Unlock()
	_, err = d.ReadAt(data, off)
	p.mu.Lock()

	s = &p.slots[i]
	s.io = nil
	if err != nil {
		berr := &BlockError{Dev: dev, Block: block, Op: "read", Err: err}
		st.err = berr
		close(st.done)
		p.releaseLocked(i)
		p.log.Error("cache: read failed", "dev", dev.String(), "block", block, "error", err)
		return Buf{}, berr
	}
	s.bytes = len(s.data)
	p.stats.reads++
	close(st.done)
	return p.handle(i), nil
}

// releaseLocked drops a reference to a slot whose data never became valid.
func (p *Pool) releaseLocked(i int32) {
	s := &p.slots[i]
	s.count--
	if s.count == 0 {
		if !s.dirty && !s.valid() {
			p.untag(i)
		}
		p.pushFront(i)
	}
}

// writeSlotLocked writes one dirty slot synchronously. The slot is clean
// afterwards unless it was dirtied again during the write.
func (p *Pool) writeSlotLocked(i int32) error {
	s := &p.slots[i]
	d, err := p.device(s.dev)
	if err != nil {
		return err
	}
	off, err := buf.BlockOffset(s.block, len(s.data))
	if err != nil {
		return &BlockError{Dev: s.dev, Block: s.block, Op: "write", Err: err}
	}

	st := newIOState()
	s.io = st
	data, dev, block, gen := s.data, s.dev, s.block, s.dirtyGen

	p.mu.Unlock()
	_, err = d.WriteAt(data, off)
	p.mu.Lock()

	s = &p.slots[i]
	s.io = nil
	close(st.done)
	if err != nil {
		p.log.Error("cache: write failed", "dev", dev.String(), "block", block, "error", err)
		return &BlockError{Dev: dev, Block: block, Op: "write", Err: err}
	}
	p.stats.writes++
	if s.dirty && s.dirtyGen == gen {
		s.dirty = false
		p.dirty.Remove(dev, block)
	}
	return nil
}

// PutBlock releases a buffer obtained from GetBlock. t describes the block;
// WriteImmed writes a dirty block now and OneShot makes it the next victim.
// The returned error is the WriteImmed write failure; the buffer is released
// either way and stays dirty on failure.
func (p *Pool) PutBlock(b Buf, t BlockType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := b.slot()
	var err error
	if s.count == 1 && t&WriteImmed != 0 && s.dirty && s.io == nil {
		err = p.writeSlotLocked(b.idx)
		s = &p.slots[b.idx]
	}

	s.count--
	if s.count > 0 {
		return err
	}

	switch {
	case !s.valid() && !s.dirty:
		p.untag(b.idx)
		p.pushFront(b.idx)
	case t&OneShot != 0:
		p.pushFront(b.idx)
	default:
		p.pushBack(b.idx)
	}
	p.publishLocked(b.idx)
	return err
}

// publishLocked hands a clean, valid buffer to the VM cache.
func (p *Pool) publishLocked(i int32) {
	s := &p.slots[i]
	if !p.vmEnabled || !s.tagged || s.dirty || !s.valid() {
		return
	}
	if s.flags&FlagVMBacked != 0 && s.flags&FlagVMNotify == 0 {
		return
	}
	off, err := buf.BlockOffset(s.block, len(s.data))
	if err != nil {
		return
	}
	gen := p.vm.Generation(s.dev)
	if err := p.vm.Set(s.dev, off, s.ino, s.inoOff, s.data); err != nil {
		p.log.Debug("cache: vm publish failed", "dev", s.dev.String(), "block", s.block, "error", err)
		return
	}
	s.flags = (s.flags | FlagVMBacked) &^ FlagVMNotify
	s.vmGen = gen
}

// FreeBlock tells the cache the filesystem freed block on dev. Any dirty
// state is dropped without writing and the VM cache forgets the block.
func (p *Pool) FreeBlock(dev device.Dev, block uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		i, ok := p.hash[key{dev, block}]
		if !ok {
			break
		}
		s := &p.slots[i]
		if st := s.io; st != nil {
			p.waitLocked(st)
			continue
		}
		if s.dirty {
			s.dirty = false
			p.dirty.Remove(dev, block)
		}
		if s.count == 0 {
			p.untag(i)
			p.moveFront(i)
		}
		break
	}

	if p.vm != nil {
		if off, err := buf.BlockOffset(block, p.blockSize); err == nil {
			p.vm.ForgetBlock(dev, off, p.blockSize)
		}
	}
}

// ZeroBlockIno zero-fills block on dev as a dirty block of inode ino.
func (p *Pool) ZeroBlockIno(dev device.Dev, block uint64, ino, off uint64) error {
	b, err := p.GetBlockIno(dev, block, ModeNoRead, ino, off)
	if err != nil {
		return err
	}
	clear(b.Data())
	b.MarkDirty()
	return p.PutBlock(b, FullDataBlock)
}

// Prefetch reads the uncached blocks among blocks with vectored reads. It
// stops early, without error, when buffers run out.
func (p *Pool) Prefetch(ctx context.Context, dev device.Dev, blocks []uint64) error {
	var errs []error
	for len(blocks) > 0 {
		n := min(len(blocks), p.maxScatter)
		batch := blocks[:n]
		blocks = blocks[n:]

		bufs := make([]Buf, 0, n)
		exhausted := false
		for _, blk := range batch {
			b, err := p.GetBlock(dev, blk, ModePrefetch)
			if errors.Is(err, ErrNoBuffers) {
				exhausted = true
				break
			}
			if err != nil {
				p.putAll(bufs)
				return fmt.Errorf("prefetch: %w", err)
			}
			bufs = append(bufs, b)
		}

		if err := p.RWScattered(ctx, dev, bufs, Read); err != nil {
			errs = append(errs, err)
		}
		p.putAll(bufs)
		if exhausted || ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) putAll(bufs []Buf) {
	for _, b := range bufs {
		_ = p.PutBlock(b, FullDataBlock)
	}
}
