// Package cache is a filesystem block buffer cache.
//
// A Pool owns a fixed number of buffer slots, each holding one block of one
// mounted device. Slots are found through a hash keyed by (device, block) and
// recycled in least-recently-used order. A referenced buffer is never on the
// free list and is never recycled.
//
// # Basic Usage
//
//	p, err := cache.New(cache.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	if err := p.Mount(dev, disk); err != nil {
//	    return err
//	}
//
//	b, err := p.GetBlock(dev, 17, cache.ModeNormal)
//	if err != nil {
//	    return err
//	}
//	copy(b.Data()[128:], name)
//	b.MarkDirty()
//	p.PutBlock(b, cache.DirectoryBlock)
//
//	// Later, or on sync:
//	err = p.FlushAll(ctx)
//
// # Handles
//
// GetBlock returns a Buf handle: the pool, a slot index and the slot
// generation at the time of the get. Using a handle after it was put back
// (or after the slot was recycled) panics.
//
// # Write-back
//
// Dirty buffers are written by FlushAll, FlushDev, a WriteImmed put, or when
// the only recyclable buffers are dirty. Flushes group a device's dirty
// blocks into sorted batches and issue one vectored device call per batch.
// A buffer dirtied again while its write is in flight stays dirty.
//
// # VM cache
//
// With a vmcache.Store attached and the block size a multiple of the page
// size, clean buffers are published to the store on release and misses are
// served from it before going to the device.
//
// # Thread Safety
//
// Pool methods are safe for concurrent use. Device I/O runs without the pool
// lock held; concurrent gets of a block being loaded wait for that load.
package cache
