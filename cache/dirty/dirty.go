package dirty

import (
	"slices"

	"github.com/joshuapare/lmfs/device"
)

// defaultDeviceCapacity is the pre-allocated per-device map size.
const defaultDeviceCapacity = 64

// Entry is one dirty block.
type Entry struct {
	Block uint64
	Slot  int32 // Cache slot holding the block
}

// Run is a range of consecutive dirty blocks.
type Run struct {
	Start uint64 // First block
	Count int    // Number of blocks
}

// Tracker accumulates dirty blocks per device.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Tracker struct {
	devs  map[device.Dev]map[uint64]int32
	count int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{devs: make(map[device.Dev]map[uint64]int32)}
}

// Add records block on dev as dirty in slot. Adding a block twice is a no-op
// apart from updating the slot.
func (t *Tracker) Add(dev device.Dev, block uint64, slot int32) {
	m, ok := t.devs[dev]
	if !ok {
		m = make(map[uint64]int32, defaultDeviceCapacity)
		t.devs[dev] = m
	}
	if _, dup := m[block]; !dup {
		t.count++
	}
	m[block] = slot
}

// Remove forgets block on dev. Removing a clean block is a no-op.
func (t *Tracker) Remove(dev device.Dev, block uint64) {
	m, ok := t.devs[dev]
	if !ok {
		return
	}
	if _, ok := m[block]; !ok {
		return
	}
	delete(m, block)
	t.count--
	if len(m) == 0 {
		delete(t.devs, dev)
	}
}

// Has reports whether block on dev is tracked as dirty.
func (t *Tracker) Has(dev device.Dev, block uint64) bool {
	_, ok := t.devs[dev][block]
	return ok
}

// Len returns the number of dirty blocks across all devices.
func (t *Tracker) Len() int {
	return t.count
}

// Devices returns the devices with dirty blocks, sorted.
func (t *Tracker) Devices() []device.Dev {
	devs := make([]device.Dev, 0, len(t.devs))
	for d := range t.devs {
		devs = append(devs, d)
	}
	slices.Sort(devs)
	return devs
}

// Snapshot returns the dirty blocks of dev sorted by block number.
func (t *Tracker) Snapshot(dev device.Dev) []Entry {
	m := t.devs[dev]
	if len(m) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(m))
	for b, s := range m {
		out = append(out, Entry{Block: b, Slot: s})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Block < b.Block:
			return -1
		case a.Block > b.Block:
			return 1
		}
		return 0
	})
	return out
}

// DropDev forgets every dirty block of dev and returns how many there were.
func (t *Tracker) DropDev(dev device.Dev) int {
	n := len(t.devs[dev])
	delete(t.devs, dev)
	t.count -= n
	return n
}

// Reset clears all tracked blocks.
func (t *Tracker) Reset() {
	t.devs = make(map[device.Dev]map[uint64]int32)
	t.count = 0
}

// Runs coalesces the dirty blocks of dev into runs of consecutive blocks.
func (t *Tracker) Runs(dev device.Dev) []Run {
	return Coalesce(t.Snapshot(dev))
}

// Coalesce merges sorted entries into runs of consecutive blocks.
func Coalesce(entries []Entry) []Run {
	if len(entries) == 0 {
		return nil
	}

	runs := make([]Run, 0, len(entries))
	current := Run{Start: entries[0].Block, Count: 1}

	for _, e := range entries[1:] {
		if e.Block == current.Start+uint64(current.Count) {
			current.Count++
			continue
		}
		runs = append(runs, current)
		current = Run{Start: e.Block, Count: 1}
	}

	return append(runs, current)
}
