// Package vmcache is the page cache that a virtual-memory service shares with
// filesystem block caches.
//
// Pages live in one anonymous shared mapping (the arena). They are keyed by
// device and page-aligned byte offset, so a block published at one block
// size can be found again after the filesystem changes its block size. Each
// page may carry the inode and file offset it belongs to.
//
// The store may reclaim pages at any time: LRU eviction when the arena is
// full, or Revoke when the VM side wants a device's pages back. Revoke bumps
// the device generation and notifies subscribers; a cache that copied data
// out of the store must not trust it once the generation moved.
package vmcache
