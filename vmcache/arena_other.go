//go:build !unix

package vmcache

// mapArena allocates the arena on the Go heap when mmap is not available.
func mapArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}

func releasePages([]byte) {}
