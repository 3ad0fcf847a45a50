package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/liveupdate"
)

// participantName is the pool's name in state images.
const participantName = "cache"

var (
	_ liveupdate.Exporter = (*Pool)(nil)
	_ liveupdate.Importer = (*Pool)(nil)
)

// Name implements liveupdate.Participant.
func (p *Pool) Name() string { return participantName }

// Occupancy reports referenced buffers as grants and transfers in flight as
// requests.
func (p *Pool) Occupancy() liveupdate.Occupancy {
	p.mu.Lock()
	defer p.mu.Unlock()
	var o liveupdate.Occupancy
	for i := range p.slots {
		if p.slots[i].count > 0 {
			o.Grants++
		}
		if p.slots[i].io != nil {
			o.Requests++
		}
	}
	return o
}

// Suspend syncs the filesystem, writes every dirty block and then makes
// GetBlock wait until Resume. Buffers already held may still be used and
// released.
func (p *Pool) Suspend(ctx context.Context) error {
	if p.fs != nil {
		if err := p.fs.Sync(); err != nil {
			return fmt.Errorf("fs sync: %w", err)
		}
	}
	if err := p.FlushAll(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
	p.log.Info("cache: suspended", "dirty", p.dirty.Len())
	return nil
}

// Resume lets GetBlock proceed again.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.suspended {
		return
	}
	p.suspended = false
	p.cond.Broadcast()
	p.log.Info("cache: resumed")
}

// PoolState is the exported state of a pool: its geometry and which blocks
// were cached, so a successor can warm its cache.
type PoolState struct {
	BlockSize int         `json:"block_size"`
	Buffers   int         `json:"buffers"`
	VMCache   bool        `json:"vm_cache"`
	Devices   []DevBlocks `json:"devices,omitempty"`
}

// DevBlocks lists the cached blocks of one device.
type DevBlocks struct {
	Dev    device.Dev `json:"dev"`
	Blocks []uint64   `json:"blocks"`
}

// Export implements liveupdate.Exporter.
func (p *Pool) Export() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.dirty.Len(); n > 0 {
		return nil, fmt.Errorf("export: %d dirty blocks", n)
	}

	st := PoolState{BlockSize: p.blockSize, Buffers: len(p.slots), VMCache: p.vmWanted}
	byDev := make(map[device.Dev][]uint64)
	// Least recently used first: a successor prefetching in this order ends
	// up with the same recency, and a smaller one keeps the hottest blocks.
	for i := p.head; i != nilSlot; i = p.slots[i].next {
		s := &p.slots[i]
		if s.tagged && s.valid() {
			byDev[s.dev] = append(byDev[s.dev], s.block)
		}
	}
	for i := range p.slots {
		s := &p.slots[i]
		if s.count > 0 && s.tagged && s.valid() {
			byDev[s.dev] = append(byDev[s.dev], s.block)
		}
	}
	for dev, blocks := range byDev {
		st.Devices = append(st.Devices, DevBlocks{Dev: dev, Blocks: blocks})
	}
	slices.SortFunc(st.Devices, func(a, b DevBlocks) int { return int(a.Dev) - int(b.Dev) })
	return st, nil
}

// Import implements liveupdate.Importer. It adopts the exported geometry and
// prefetches the listed blocks of devices that are mounted.
func (p *Pool) Import(data []byte) error {
	var st PoolState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	ctx := context.Background()

	p.mu.Lock()
	bs, n := p.blockSize, len(p.slots)
	p.mu.Unlock()

	if st.BlockSize > 0 && st.BlockSize != bs {
		if !validBlockSize(st.BlockSize, defaultMinUnit) {
			return fmt.Errorf("import: %w: %d", ErrBadBlockSize, st.BlockSize)
		}
		if err := p.rebuild(ctx, "import", func() {
			p.blockSize = st.BlockSize
			p.fsBlock = st.BlockSize
			p.allocLocked(n)
			p.reevaluateLocked()
		}); err != nil {
			return err
		}
	}
	if st.Buffers > 0 && st.Buffers != n {
		if err := p.Resize(ctx, st.Buffers); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	p.MayUseVMCache(st.VMCache)

	for _, db := range st.Devices {
		p.mu.Lock()
		_, mounted := p.devs[db.Dev]
		p.mu.Unlock()
		if !mounted {
			p.log.Debug("cache: import skips unmounted device", "dev", db.Dev.String())
			continue
		}
		if err := p.Prefetch(ctx, db.Dev, db.Blocks); err != nil {
			p.log.Warn("cache: import prefetch failed", "dev", db.Dev.String(), "error", err)
		}
	}
	p.log.Info("cache: state imported", "block_size", st.BlockSize, "buffers", st.Buffers, "devices", len(st.Devices))
	return nil
}
