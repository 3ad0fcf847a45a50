// Package device defines the block transport used by the buffer cache and the
// block drivers.
//
// # Overview
//
// A Device is random-access storage addressed in bytes. Besides plain
// ReadAt/WriteAt it offers vectored transfers:
//
//   - Gather reads a list of segments in one call
//   - Scatter writes a list of segments in one call
//
// Segments need not be contiguous. Implementations coalesce adjacent segments
// into runs and issue one vectored system call per run (preadv/pwritev on
// Unix), so a batch of scattered blocks costs one call from the caller's point
// of view.
//
// # Per-segment status
//
// When a vectored transfer fails for some segments only, implementations
// return a *VectorError whose Errs slice is indexed like the request. Any
// other error means the whole batch failed and nothing can be assumed about
// individual segments.
//
// # Device numbers
//
// Dev packs a major and a minor number into one integer (major<<8 | minor).
// NoDev marks an untagged buffer.
//
// # Implementations
//
//   - MemDevice: ramdisk backed by a byte slice
//   - FileDevice: regular file or block special file, locked exclusively
package device
