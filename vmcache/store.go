package vmcache

import (
	"container/list"
	"log/slog"
	"os"
	"sync"

	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/internal/logger"
)

// NoInode marks a page that belongs to no inode.
const NoInode uint64 = 0

// defaultPages is the default arena size in pages.
const defaultPages = 1024

// Options configures a Store.
type Options struct {
	// Pages is the arena capacity in pages. Default: 1024
	Pages int

	// PageSize is the page size in bytes. Default: os.Getpagesize()
	PageSize int

	// Logger receives eviction and revocation events. Default: discard.
	Logger *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{Pages: defaultPages, PageSize: os.Getpagesize()}
}

// key identifies one page.
type key struct {
	dev device.Dev
	off int64 // page-aligned byte offset on dev
}

// page is the metadata of one arena page.
type page struct {
	key    key
	ino    uint64
	inoOff uint64
	elem   *list.Element // position in lru; nil when free
}

// Stats reports store counters.
type Stats struct {
	Pages     int    `json:"pages"`
	Used      int    `json:"used"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Revokes   uint64 `json:"revokes"`
}

// Store is a shared page cache.
type Store struct {
	mu       sync.Mutex
	data     []byte
	unmap    func() error
	pageSize int
	pages    []page
	free     []int
	index    map[key]int
	lru      *list.List // front = least recently used; values are page indices
	gens     map[device.Dev]uint64
	subs     map[int]func(device.Dev)
	nextSub  int
	stats    Stats
	log      *slog.Logger
}

// New maps the arena and returns an empty store.
func New(opts Options) (*Store, error) {
	if opts.Pages <= 0 {
		opts.Pages = defaultPages
	}
	if opts.PageSize <= 0 {
		opts.PageSize = os.Getpagesize()
	}

	data, unmap, err := mapArena(opts.Pages * opts.PageSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		data:     data,
		unmap:    unmap,
		pageSize: opts.PageSize,
		pages:    make([]page, opts.Pages),
		free:     make([]int, 0, opts.Pages),
		index:    make(map[key]int, opts.Pages),
		lru:      list.New(),
		gens:     make(map[device.Dev]uint64),
		subs:     make(map[int]func(device.Dev)),
		log:      logger.OrDiscard(opts.Logger),
	}
	for i := opts.Pages - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	s.stats.Pages = opts.Pages
	return s, nil
}

// PageSize returns the page size in bytes.
func (s *Store) PageSize() int { return s.pageSize }

// Close unmaps the arena.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	s.data = nil
	s.index = make(map[key]int)
	s.lru.Init()
	return s.unmap()
}

func (s *Store) pageData(i int) []byte {
	return s.data[i*s.pageSize : (i+1)*s.pageSize]
}

func (s *Store) checkAligned(off int64, n int) error {
	if off%int64(s.pageSize) != 0 || n == 0 || n%s.pageSize != 0 {
		return ErrUnaligned
	}
	if n/s.pageSize > len(s.pages) {
		return ErrTooLarge
	}
	return nil
}

// Generation returns the revocation generation of dev. It changes whenever
// pages of dev are forgotten or revoked.
func (s *Store) Generation(dev device.Dev) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[dev]
}

// Get copies the block at off on dev into dst if every page of it is cached.
// A non-NoInode ino updates the pages' inode tag. It returns the device
// generation observed while copying.
func (s *Store) Get(dev device.Dev, off int64, ino, inoOff uint64, dst []byte) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil || s.checkAligned(off, len(dst)) != nil {
		return 0, false
	}

	n := len(dst) / s.pageSize
	idx := make([]int, n)
	for i := range n {
		pi, ok := s.index[key{dev, off + int64(i*s.pageSize)}]
		if !ok {
			s.stats.Misses++
			return 0, false
		}
		idx[i] = pi
	}

	for i, pi := range idx {
		copy(dst[i*s.pageSize:], s.pageData(pi))
		p := &s.pages[pi]
		s.lru.MoveToBack(p.elem)
		if ino != NoInode {
			p.ino = ino
			p.inoOff = inoOff + uint64(i*s.pageSize)
		}
	}
	s.stats.Hits++
	return s.gens[dev], true
}

// Has reports whether every page of the n-byte block at off on dev is
// cached. It does not touch the LRU order or the hit counters.
func (s *Store) Has(dev device.Dev, off int64, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil || s.checkAligned(off, n) != nil {
		return false
	}
	for i := 0; i < n; i += s.pageSize {
		if _, ok := s.index[key{dev, off + int64(i)}]; !ok {
			return false
		}
	}
	return true
}

// Set publishes a block. Pages already cached are overwritten; the least
// recently used pages are reclaimed when the arena is full.
func (s *Store) Set(dev device.Dev, off int64, ino, inoOff uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrClosed
	}
	if err := s.checkAligned(off, len(data)); err != nil {
		return err
	}

	for i := 0; i < len(data); i += s.pageSize {
		k := key{dev, off + int64(i)}
		pi, ok := s.index[k]
		if !ok {
			pi = s.allocLocked()
			s.index[k] = pi
			s.pages[pi].key = k
			s.pages[pi].elem = s.lru.PushBack(pi)
		} else {
			s.lru.MoveToBack(s.pages[pi].elem)
		}
		copy(s.pageData(pi), data[i:i+s.pageSize])
		s.pages[pi].ino = ino
		s.pages[pi].inoOff = 0
		if ino != NoInode {
			s.pages[pi].inoOff = inoOff + uint64(i)
		}
	}
	return nil
}

// allocLocked returns a free page, evicting the LRU page if needed.
func (s *Store) allocLocked() int {
	if n := len(s.free); n > 0 {
		pi := s.free[n-1]
		s.free = s.free[:n-1]
		return pi
	}
	front := s.lru.Front()
	pi := front.Value.(int)
	s.dropLocked(pi)
	s.stats.Evictions++
	s.free = s.free[:len(s.free)-1]
	return pi
}

// dropLocked removes page pi from the index and returns it to the free list.
func (s *Store) dropLocked(pi int) {
	p := &s.pages[pi]
	delete(s.index, p.key)
	s.lru.Remove(p.elem)
	releasePages(s.pageData(pi))
	*p = page{}
	s.free = append(s.free, pi)
}

// ForgetBlock drops the pages of one block, e.g. after the filesystem freed it.
func (s *Store) ForgetBlock(dev device.Dev, off int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil || s.checkAligned(off, n) != nil {
		return
	}
	for i := 0; i < n; i += s.pageSize {
		if pi, ok := s.index[key{dev, off + int64(i)}]; ok {
			s.dropLocked(pi)
		}
	}
}

// Forget drops every page of dev. Called by the filesystem side when the
// device goes away.
func (s *Store) Forget(dev device.Dev) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(dev)
}

func (s *Store) forgetLocked(dev device.Dev) int {
	dropped := 0
	for k, pi := range s.index {
		if k.dev == dev {
			s.dropLocked(pi)
			dropped++
		}
	}
	s.gens[dev]++
	return dropped
}

// Revoke reclaims every page of dev on behalf of the VM service and notifies
// subscribers after the pages are gone.
func (s *Store) Revoke(dev device.Dev) {
	s.mu.Lock()
	dropped := s.forgetLocked(dev)
	s.stats.Revokes++
	subs := make([]func(device.Dev), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.log.Info("vm cache revoked", "dev", dev.String(), "pages", dropped)
	for _, fn := range subs {
		fn(dev)
	}
}

// Subscribe registers fn to be called after Revoke. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(device.Dev)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Inode returns the inode tag of the page at off on dev.
func (s *Store) Inode(dev device.Dev, off int64) (ino, inoOff uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.index[key{dev, off}]
	if !ok {
		return NoInode, 0, false
	}
	return s.pages[pi].ino, s.pages[pi].inoOff, true
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Used = len(s.index)
	return st
}
