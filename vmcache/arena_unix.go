//go:build unix

package vmcache

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mapArena maps size bytes of anonymous shared memory.
func mapArena(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	unmap := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, unmap, nil
}

// releasePages tells the kernel the pages' contents are no longer needed.
func releasePages(b []byte) {
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}
