package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/joshuapare/lmfs/internal/buf"
)

// FileDevice is a device backed by a regular file or a block special file.
//
// The file is locked exclusively for the lifetime of the device so that two
// caches never write the same image.
type FileDevice struct {
	mu   sync.RWMutex // guards f against Close; I/O itself uses positional calls
	f    *os.File
	size int64
}

// OpenFile opens path read-write as a device.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Seek works for both regular files and block special files, whose
	// Stat size is zero.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: size of %s: %w", path, err)
	}

	return &FileDevice{f: f, size: size}, nil
}

// CreateFile creates (or truncates) an image file of size bytes and opens it.
func CreateFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: truncate %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return OpenFile(path)
}

func (d *FileDevice) file() (*os.File, error) {
	if d.f == nil {
		return nil, ErrClosed
	}
	return d.f, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := d.file()
	if err != nil {
		return 0, err
	}
	if _, err := buf.CheckRange(d.size, off, len(p)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) && n < len(p) {
		return n, ErrShortTransfer
	}
	return n, err
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := d.file()
	if err != nil {
		return 0, err
	}
	if _, err := buf.CheckRange(d.size, off, len(p)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return f.WriteAt(p, off)
}

// Gather reads all segments, one vectored read per contiguous run.
func (d *FileDevice) Gather(segs []Segment) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := d.file()
	if err != nil {
		return err
	}
	return d.vector("gather", f, segs, readv)
}

// Scatter writes all segments, one vectored write per contiguous run.
func (d *FileDevice) Scatter(segs []Segment) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := d.file()
	if err != nil {
		return err
	}
	return d.vector("scatter", f, segs, writev)
}

type vectorFn func(f *os.File, iovs [][]byte, off int64) (int, error)

func (d *FileDevice) vector(op string, f *os.File, segs []Segment, fn vectorFn) error {
	var ve *VectorError
	fail := func(i int, err error) {
		if ve == nil {
			ve = &VectorError{Op: op, Errs: make([]error, len(segs))}
		}
		ve.Errs[i] = err
	}

	for _, r := range coalesce(segs) {
		if _, err := buf.CheckRange(d.size, r.off, r.size); err != nil {
			for _, i := range r.idx {
				fail(i, fmt.Errorf("%w: %v", ErrOutOfRange, err))
			}
			continue
		}

		iovs := make([][]byte, len(r.idx))
		for j, i := range r.idx {
			iovs[j] = segs[i].Data
		}
		if err := fullVector(f, iovs, r.off, fn); err != nil {
			for _, i := range r.idx {
				fail(i, err)
			}
		}
	}

	if ve != nil {
		return ve
	}
	return nil
}

// fullVector repeats fn until every iovec has been transferred.
func fullVector(f *os.File, iovs [][]byte, off int64, fn vectorFn) error {
	for len(iovs) > 0 {
		n, err := fn(f, iovs, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrShortTransfer
		}
		off += int64(n)
		for n > 0 && len(iovs) > 0 {
			if n >= len(iovs[0]) {
				n -= len(iovs[0])
				iovs = iovs[1:]
				continue
			}
			iovs[0] = iovs[0][n:]
			n = 0
		}
	}
	return nil
}

func (d *FileDevice) Size() int64 { return d.size }

// Sync flushes written data to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := d.file()
	if err != nil {
		return err
	}
	return datasync(f)
}

// Close unlocks and closes the file. Double close is a no-op.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	unlockFile(d.f)
	err := d.f.Close()
	d.f = nil
	return err
}
