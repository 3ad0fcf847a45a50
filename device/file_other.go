//go:build !linux

package device

import "os"

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}

// readv falls back to one positional read per iovec.
func readv(f *os.File, iovs [][]byte, off int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := f.ReadAt(iov, off)
		total += n
		if err != nil {
			return total, err
		}
		off += int64(n)
	}
	return total, nil
}

// writev falls back to one positional write per iovec.
func writev(f *os.File, iovs [][]byte, off int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := f.WriteAt(iov, off)
		total += n
		if err != nil {
			return total, err
		}
		off += int64(n)
	}
	return total, nil
}

func datasync(f *os.File) error {
	return f.Sync()
}
