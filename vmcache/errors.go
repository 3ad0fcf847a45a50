package vmcache

import "errors"

var (
	// ErrUnaligned is returned for offsets or lengths that are not page multiples.
	ErrUnaligned = errors.New("vmcache: unaligned block")

	// ErrTooLarge is returned when a block needs more pages than the arena has.
	ErrTooLarge = errors.New("vmcache: block larger than arena")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vmcache: closed")
)
