package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joshuapare/lmfs/cache/dirty"
	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/internal/logger"
	"github.com/joshuapare/lmfs/vmcache"
)

// nilSlot terminates the free list.
const nilSlot int32 = -1

type key struct {
	dev   device.Dev
	block uint64
}

// ioState marks a transfer in flight on a slot. done is closed when the
// transfer finished; err is set for failed loads.
type ioState struct {
	done chan struct{}
	err  error
}

func newIOState() *ioState {
	return &ioState{done: make(chan struct{})}
}

// slot is one buffer. All fields are guarded by Pool.mu.
type slot struct {
	data   []byte
	dev    device.Dev
	block  uint64
	tagged bool // present in the hash under (dev, block)
	count  int  // references
	bytes  int  // valid bytes in data; 0 or len(data)
	dirty  bool
	flags  Flags
	ino    uint64
	inoOff uint64

	gen      uint32 // bumped on every retag; handles carry it
	dirtyGen uint64 // bumped on every MarkDirty
	vmGen    uint64 // VM store generation when the data was published or fetched

	io *ioState // non-nil while a read or write is in flight

	prev, next int32 // free list links
	onFree     bool
}

func (s *slot) valid() bool { return s.bytes == len(s.data) }

type counters struct {
	hits      uint64
	misses    uint64
	evictions uint64
	reads     uint64
	writes    uint64
}

// Pool is a block buffer cache.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond // signalled on Resume and Close

	slots []slot
	hash  map[key]int32
	head  int32 // next victim
	tail  int32
	dirty *dirty.Tracker

	devs       map[device.Dev]device.Device
	majors     map[uint8]int
	blockSize  int
	fsBlock    int
	maxScatter int
	flushers   int
	syncFlush  bool

	vm        *vmcache.Store
	vmWanted  bool
	vmEnabled bool
	unsub     func()

	fs        FS
	suspended bool
	closed    bool

	stats counters
	log   *slog.Logger
}

// New creates a pool with opts.Buffers empty buffers.
func New(opts Options) (*Pool, error) {
	opts.setDefaults()

	p := &Pool{
		hash:       make(map[key]int32, opts.Buffers),
		dirty:      dirty.NewTracker(),
		devs:       make(map[device.Dev]device.Device),
		majors:     make(map[uint8]int),
		blockSize:  opts.BlockSize,
		maxScatter: opts.MaxScatter,
		flushers:   opts.FlushParallelism,
		syncFlush:  opts.SyncOnFlush,
		vm:         opts.VM,
		vmWanted:   opts.UseVMCache,
		fs:         opts.FS,
		log:        logger.OrDiscard(opts.Logger),
	}
	p.cond = sync.NewCond(&p.mu)

	if !validBlockSize(opts.BlockSize, defaultMinUnit) {
		return nil, fmt.Errorf("%w: %d", ErrBadBlockSize, opts.BlockSize)
	}
	p.fsBlock = opts.BlockSize
	p.allocLocked(opts.Buffers)
	p.reevaluateLocked()

	if p.vm != nil {
		p.unsub = p.vm.Subscribe(p.CacheReevaluate)
	}

	p.log.Info("cache: pool created", "buffers", opts.Buffers, "block_size", opts.BlockSize, "vm_cache", p.vmEnabled)
	return p, nil
}

// allocLocked replaces every slot with n empty slots of the current block
// size, all on the free list.
func (p *Pool) allocLocked(n int) {
	backing := make([]byte, n*p.blockSize)
	p.slots = make([]slot, n)
	p.hash = make(map[key]int32, n)
	p.head, p.tail = nilSlot, nilSlot
	for i := range p.slots {
		lo, hi := i*p.blockSize, (i+1)*p.blockSize
		p.slots[i] = slot{data: backing[lo:hi:hi], prev: nilSlot, next: nilSlot}
		p.pushBack(int32(i))
	}
}

// Mount attaches d as dev. Blocks of dev can be cached from now on.
func (p *Pool) Mount(dev device.Dev, d device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.devs[dev]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, dev)
	}
	p.devs[dev] = d
	p.log.Info("cache: device mounted", "dev", dev.String(), "size", d.Size())
	return nil
}

// Unmount writes back dev's dirty blocks, drops its buffers and detaches it.
// The device itself is not closed.
func (p *Pool) Unmount(ctx context.Context, dev device.Dev) error {
	if err := p.FlushDev(ctx, dev); err != nil {
		return fmt.Errorf("unmount %s: %w", dev, err)
	}
	p.Invalidate(dev)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devs, dev)
	p.log.Info("cache: device unmounted", "dev", dev.String())
	return nil
}

func (p *Pool) device(dev device.Dev) (device.Device, error) {
	d, ok := p.devs[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, dev)
	}
	return d, nil
}

func (p *Pool) referencedLocked() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].count > 0 {
			n++
		}
	}
	return n
}

// Resize replaces the buffer pool with n empty buffers. Every buffer must be
// released; dirty blocks are written first.
func (p *Pool) Resize(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrBadBufferCount, n)
	}
	return p.rebuild(ctx, "resize", func() {
		p.allocLocked(n)
	})
}

// rebuild flushes, then runs fn with the lock held and no buffer referenced
// or dirty.
func (p *Pool) rebuild(ctx context.Context, op string, fn func()) error {
	p.mu.Lock()
	if n := p.referencedLocked(); n > 0 {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w (%d)", op, ErrBlocksInUse, n)
	}
	p.mu.Unlock()

	if err := p.FlushAll(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.referencedLocked(); n > 0 {
		return fmt.Errorf("%s: %w (%d)", op, ErrBlocksInUse, n)
	}
	if n := p.dirty.Len(); n > 0 {
		return fmt.Errorf("%s: %d blocks dirtied during flush: %w", op, n, ErrBlocksInUse)
	}
	for i := range p.slots {
		if p.slots[i].io != nil {
			return fmt.Errorf("%s: %w: transfer in flight", op, ErrBlocksInUse)
		}
	}

	fn()
	p.log.Info("cache: pool rebuilt", "op", op, "buffers", len(p.slots), "block_size", p.blockSize)
	return nil
}

// Close releases the pool. Dirty blocks are not written; call FlushAll first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unsub := p.unsub
	p.unsub = nil
	if n := p.dirty.Len(); n > 0 {
		p.log.Warn("cache: closing with dirty blocks", "dirty", n)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return nil
}
