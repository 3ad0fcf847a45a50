// Package dirty tracks which cached blocks have been modified and still need
// to be written back.
//
// # Overview
//
// The Tracker records dirty (device, block) pairs together with the cache
// slot that holds them. At flush time the flush engine asks for a sorted
// snapshot per device; Runs coalesces that snapshot into contiguous block
// ranges, which is how a device turns a scattered batch into few vectored
// system calls:
//
//	Dirty blocks: [3, 4, 5, 9, 10] → Runs: [3-5, 9-10]
//
// # Thread Safety
//
// Tracker instances are not thread-safe. The buffer pool guards its tracker
// with the pool mutex.
package dirty
