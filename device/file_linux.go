//go:build linux

package device

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s", ErrLocked, f.Name())
	}
	return err
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func readv(f *os.File, iovs [][]byte, off int64) (int, error) {
	return unix.Preadv(int(f.Fd()), iovs, off)
}

func writev(f *os.File, iovs [][]byte, off int64) (int, error) {
	return unix.Pwritev(int(f.Fd()), iovs, off)
}

// datasync uses fdatasync(); file metadata other than size is not needed to
// read the blocks back.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
