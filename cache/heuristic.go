package cache

// defaultHeuristicBufs is used when free memory cannot be determined.
const defaultHeuristicBufs = 1024

// BufsHeuristic proposes a buffer count for a filesystem with total blocks
// of which used are in use. The cache is sized to roughly 40·sqrt(KiB used),
// at most half the filesystem and at most a tenth of the memory that is free
// or reclaimable, and never fewer than minBufs buffers.
func BufsHeuristic(minBufs int, total, used uint64, blockSize int) int {
	remainKB, ok := remainingMemKB()
	if !ok {
		return max(defaultHeuristicBufs, minBufs)
	}
	return bufsHeuristic(minBufs, total, used, blockSize, remainKB)
}

// SuggestedBuffers applies BufsHeuristic to the pool's filesystem. Without
// an FS it returns the current buffer count.
func (p *Pool) SuggestedBuffers() int {
	p.mu.Lock()
	fs, n, bs := p.fs, len(p.slots), p.blockSize
	p.mu.Unlock()

	if fs == nil {
		return n
	}
	total, _, used := fs.BlockStats()
	return BufsHeuristic(MinBuffers, total, used, bs)
}

func bufsHeuristic(minBufs int, total, used uint64, blockSize int, remainKB uint64) int {
	if blockSize <= 0 {
		return minBufs
	}
	bs := uint64(blockSize)
	usedKB := used * bs / 1024
	totalKB := total * bs / 1024

	fsMax := isqrt(usedKB) * 40
	fsMax = max(fsMax, MinBuffers*bs/1024)
	fsMax = min(fsMax, totalKB/2)

	kbCache := min(remainKB/10, fsMax)
	bufs := int(kbCache * 1024 / bs)
	return max(bufs, minBufs)
}

// isqrt returns floor(sqrt(v)).
func isqrt(v uint64) uint64 {
	if v < 2 {
		return v
	}
	x, y := v, (v+1)/2
	for y < x {
		x, y = y, (y+v/y)/2
	}
	return x
}
