//go:build linux

package cache

import "golang.org/x/sys/unix"

// remainingMemKB returns free plus buffer memory, which the kernel can
// reclaim for us.
func remainingMemKB() (uint64, bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, false
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(si.Freeram) + uint64(si.Bufferram)) * unit / 1024, true
}
