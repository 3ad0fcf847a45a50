package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joshuapare/lmfs/device"
)

var (
	// ErrNoBuffers is returned when every buffer is referenced.
	ErrNoBuffers = errors.New("cache: all buffers in use")

	// ErrNotCached is returned by ModePeek for a block that is not cached.
	ErrNotCached = errors.New("cache: block not cached")

	// ErrNoDevice is returned for a device that is not mounted.
	ErrNoDevice = errors.New("cache: device not mounted")

	// ErrDeviceBusy is returned when mounting a device twice.
	ErrDeviceBusy = errors.New("cache: device already mounted")

	// ErrBlocksInUse is returned by operations that need every buffer released.
	ErrBlocksInUse = errors.New("cache: buffers still referenced")

	// ErrBadBlockSize is returned for a block size the device cannot use.
	ErrBadBlockSize = errors.New("cache: invalid block size")

	// ErrBadBufferCount is returned by Resize for a non-positive count.
	ErrBadBufferCount = errors.New("cache: invalid buffer count")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: pool closed")
)

// BlockError attributes an I/O failure to one block.
type BlockError struct {
	Dev   device.Dev
	Block uint64
	Op    string // "read" or "write"
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("cache: %s block %d on %s: %v", e.Op, e.Block, e.Dev, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// ScatterError lists the blocks of a scattered transfer that failed.
type ScatterError struct {
	Dev    device.Dev
	Op     string
	Failed []*BlockError
}

func (e *ScatterError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cache: scattered %s on %s failed for %d blocks", e.Op, e.Dev, len(e.Failed))
	if len(e.Failed) > 0 {
		fmt.Fprintf(&sb, " (first: block %d: %v)", e.Failed[0].Block, e.Failed[0].Err)
	}
	return sb.String()
}

// Blocks returns the failed block numbers.
func (e *ScatterError) Blocks() []uint64 {
	blocks := make([]uint64, len(e.Failed))
	for i, f := range e.Failed {
		blocks[i] = f.Block
	}
	return blocks
}

func (e *ScatterError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
