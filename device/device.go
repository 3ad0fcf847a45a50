package device

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Segment is one element of a vectored transfer.
type Segment struct {
	Off  int64  // Absolute byte offset on the device
	Data []byte // Source (Scatter) or destination (Gather)
}

// Device is a block transport.
//
// Implementations must be safe for concurrent use. Gather and Scatter must
// either complete every segment, fail with a *VectorError naming the failed
// segments, or fail the whole batch with any other error.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Gather reads every segment in one logical call.
	Gather(segs []Segment) error

	// Scatter writes every segment in one logical call.
	Scatter(segs []Segment) error

	// Size returns the device size in bytes.
	Size() int64

	// Sync forces written data to stable storage.
	Sync() error

	// Close releases the device.
	Close() error
}

// VectorError reports per-segment status of a vectored transfer.
type VectorError struct {
	Op   string  // "gather" or "scatter"
	Errs []error // Indexed like the request; nil entries succeeded
}

func (e *VectorError) Error() string {
	failed := e.Failed()
	parts := make([]string, 0, len(failed))
	for _, i := range failed {
		parts = append(parts, fmt.Sprintf("seg %d: %v", i, e.Errs[i]))
	}
	return fmt.Sprintf("device: %s failed for %d of %d segments (%s)",
		e.Op, len(failed), len(e.Errs), strings.Join(parts, "; "))
}

// Failed returns the indices of the failed segments in ascending order.
func (e *VectorError) Failed() []int {
	var idx []int
	for i, err := range e.Errs {
		if err != nil {
			idx = append(idx, i)
		}
	}
	return idx
}

// Unwrap exposes the individual segment errors to errors.Is and errors.As.
func (e *VectorError) Unwrap() []error {
	var errs []error
	for _, err := range e.Errs {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SegmentErr returns the error recorded for segment i of a vectored transfer
// that failed with err. A nil err means success; an err that is not a
// *VectorError is attributed to every segment.
func SegmentErr(err error, i int) error {
	if err == nil {
		return nil
	}
	var ve *VectorError
	if errors.As(err, &ve) {
		if i < 0 || i >= len(ve.Errs) {
			return err
		}
		return ve.Errs[i]
	}
	return err
}

// run is a set of segments that are contiguous on the device.
type run struct {
	off  int64
	idx  []int // Indices into the original segment slice, in device order
	size int
}

// coalesce groups segments into contiguous runs.
//
// Segments are sorted by offset; a segment starting exactly where the previous
// one ended joins its run. Overlapping segments start a new run so that each
// vectored call touches every byte at most once.
func coalesce(segs []Segment) []run {
	if len(segs) == 0 {
		return nil
	}

	order := make([]int, len(segs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return segs[order[a]].Off < segs[order[b]].Off
	})

	runs := make([]run, 0, len(segs))
	current := run{off: segs[order[0]].Off, idx: []int{order[0]}, size: len(segs[order[0]].Data)}

	for _, i := range order[1:] {
		s := segs[i]
		if s.Off == current.off+int64(current.size) {
			current.idx = append(current.idx, i)
			current.size += len(s.Data)
			continue
		}
		runs = append(runs, current)
		current = run{off: s.Off, idx: []int{i}, size: len(s.Data)}
	}

	return append(runs, current)
}
