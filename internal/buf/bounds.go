// Package buf holds overflow-safe arithmetic for block offsets and byte ranges.
package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int64.
func AddOverflowSafe(a, b int64) (int64, bool) {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return 0, false
	case b < 0 && a < math.MinInt64-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative values, returning ok = false on
// overflow or when either operand is negative.
func MulOverflowSafe(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

// BlockOffset returns the byte offset of block on a device with the given
// block size.
func BlockOffset(block uint64, blockSize int) (int64, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("bad block size: %d", blockSize)
	}
	if block > math.MaxInt64 {
		return 0, fmt.Errorf("overflow: block=%d", block)
	}
	off, ok := MulOverflowSafe(int64(block), int64(blockSize))
	if !ok {
		return 0, fmt.Errorf("overflow: block=%d * size=%d", block, blockSize)
	}
	return off, nil
}

// CheckRange validates that n bytes at off lie within a device of size bytes.
// Returns the end offset if valid.
//
//	end, err := buf.CheckRange(dev.Size(), off, len(p))
//	if err != nil {
//	    return 0, fmt.Errorf("read: %w", err)
//	}
func CheckRange(size, off int64, n int) (int64, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length: %d", n)
	}
	end, ok := AddOverflowSafe(off, int64(n))
	if !ok {
		return 0, fmt.Errorf("overflow: offset=%d + len=%d", off, n)
	}
	if end > size {
		return 0, fmt.Errorf("bounds: end=%d > size=%d", end, size)
	}
	return end, nil
}

// IsPow2 reports whether v is a positive power of two.
func IsPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}
