package cache

// Stats is a snapshot of pool state and counters.
type Stats struct {
	Buffers   int  `json:"buffers"`
	InUse     int  `json:"in_use"`
	Dirty     int  `json:"dirty"`
	DirtyRuns int  `json:"dirty_runs"` // Contiguous runs among the dirty blocks
	Free      int  `json:"free"`
	BlockSize int  `json:"block_size"`
	VMCache   bool `json:"vm_cache"`

	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Reads     uint64 `json:"reads"`
	Writes    uint64 `json:"writes"`

	// Filesystem block counts, zero without an FS.
	FSTotal uint64 `json:"fs_total_blocks"`
	FSFree  uint64 `json:"fs_free_blocks"`
	FSUsed  uint64 `json:"fs_used_blocks"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Buffers:   len(p.slots),
		Dirty:     p.dirty.Len(),
		BlockSize: p.blockSize,
		VMCache:   p.vmEnabled,
		Hits:      p.stats.hits,
		Misses:    p.stats.misses,
		Evictions: p.stats.evictions,
		Reads:     p.stats.reads,
		Writes:    p.stats.writes,
	}
	for _, dev := range p.dirty.Devices() {
		st.DirtyRuns += len(p.dirty.Runs(dev))
	}
	for i := range p.slots {
		if p.slots[i].count > 0 {
			st.InUse++
		}
	}
	st.Free = st.Buffers - st.InUse
	fs := p.fs
	p.mu.Unlock()

	if fs != nil {
		st.FSTotal, st.FSFree, st.FSUsed = fs.BlockStats()
	}
	return st
}
