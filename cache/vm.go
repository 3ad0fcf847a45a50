package cache

import "github.com/joshuapare/lmfs/device"

// MayUseVMCache turns VM caching on or off. Turning it on has no effect
// while the block size is not a multiple of the page size or no store is
// attached.
func (p *Pool) MayUseVMCache(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vmWanted = ok
	p.reevaluateLocked()
}

// VMCacheEnabled reports whether buffers are currently exchanged with the
// VM cache.
func (p *Pool) VMCacheEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vmEnabled
}

func (p *Pool) reevaluateLocked() {
	was := p.vmEnabled
	p.vmEnabled = p.vmWanted && p.vm != nil && p.blockSize%p.vm.PageSize() == 0

	if p.vmWanted && p.vm != nil && !p.vmEnabled {
		p.log.Warn("cache: vm cache disabled, block size is not a page multiple",
			"block_size", p.blockSize, "page_size", p.vm.PageSize())
	}
	if was && !p.vmEnabled {
		for i := range p.slots {
			p.slots[i].flags = 0
		}
	}
}

// CacheReevaluate re-checks VM cache eligibility and drops what the cache
// knows about dev's blocks in the VM cache. Unreferenced clean buffers of dev
// are discarded so the next get refetches them. Referenced buffers that were
// published are flagged FlagVMNotify and published again on release. Dirty
// buffers are kept; their contents are authoritative.
//
// The pool calls it itself when the VM cache revokes dev.
func (p *Pool) CacheReevaluate(dev device.Dev) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.reevaluateLocked()

	dropped, flagged := 0, 0
	for i := range p.slots {
		s := &p.slots[i]
		if !s.tagged || s.dev != dev || s.io != nil || s.dirty {
			continue
		}
		switch {
		case s.count == 0:
			p.untag(int32(i))
			p.moveFront(int32(i))
			dropped++
		case s.flags&FlagVMBacked != 0:
			s.flags |= FlagVMNotify
			flagged++
		}
	}
	p.log.Info("cache: vm cache reevaluated", "dev", dev.String(),
		"enabled", p.vmEnabled, "dropped", dropped, "flagged", flagged)
}
