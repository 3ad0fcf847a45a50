package cache

import (
	"log/slog"

	"github.com/joshuapare/lmfs/vmcache"
)

// Mode selects what GetBlock does when the block's data is not in memory.
type Mode int

const (
	// ModeNormal reads the block from the VM cache or the device.
	ModeNormal Mode = iota

	// ModeNoRead skips the read; the caller overwrites the whole block.
	// A freshly tagged buffer is zero-filled.
	ModeNoRead

	// ModePrefetch tags a buffer without reading it. The returned buffer may
	// hold no data (Valid reports false); fill it with RWScattered.
	ModePrefetch

	// ModePeek returns the block only if it is already cached, here or in
	// the VM cache, and ErrNotCached otherwise.
	ModePeek
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeNoRead:
		return "no-read"
	case ModePrefetch:
		return "prefetch"
	case ModePeek:
		return "peek"
	}
	return "unknown"
}

// BlockType describes a released block. The low bits name the kind of
// metadata; WriteImmed and OneShot modify release behaviour.
type BlockType int

const (
	InodeBlock       BlockType = 0
	DirectoryBlock   BlockType = 1
	IndirectBlock    BlockType = 2
	MapBlock         BlockType = 3
	FullDataBlock    BlockType = 5
	PartialDataBlock BlockType = 6

	// WriteImmed writes a dirty block as soon as its last reference is
	// released.
	WriteImmed BlockType = 0o100

	// OneShot marks a block unlikely to be needed again; it is released to
	// the head of the LRU list and recycled first.
	OneShot BlockType = 0o200
)

// Flags describe a buffer's relationship with the VM cache.
type Flags uint8

const (
	// FlagVMBacked is set while the buffer's contents are known to the VM cache.
	FlagVMBacked Flags = 1 << iota

	// FlagVMNotify is set when the VM cache dropped the block while the
	// buffer was referenced; the buffer is published again on release.
	FlagVMNotify
)

// NoInode marks a buffer that belongs to no inode.
const NoInode = vmcache.NoInode

// MinBuffers is the smallest pool the buffer heuristic proposes.
const MinBuffers = 6

const (
	defaultBuffers    = 256
	defaultBlockSize  = 4096
	defaultMaxScatter = 64
	defaultFlushers   = 4
	defaultMinUnit    = 512
)

// FS is the embedding filesystem as seen by the cache.
type FS interface {
	// BlockStats returns total, free and used block counts.
	BlockStats() (total, free, used uint64)

	// Sync writes filesystem metadata held outside the cache into buffers.
	Sync() error
}

// Options configures a Pool.
type Options struct {
	// Buffers is the number of buffer slots.
	// Default: 256
	Buffers int

	// BlockSize is the initial block size in bytes.
	// Default: 4096
	BlockSize int

	// MaxScatter caps the number of blocks in one vectored device call.
	// Default: 64
	MaxScatter int

	// FlushParallelism is the number of devices flushed concurrently.
	// Default: 4
	FlushParallelism int

	// SyncOnFlush calls Sync on each device after FlushAll and FlushDev
	// wrote its blocks.
	// Default: false
	SyncOnFlush bool

	// VM is the shared page cache. Nil disables VM caching.
	VM *vmcache.Store

	// UseVMCache enables the VM cache when VM is set and the block size is a
	// page multiple.
	// Default: true
	UseVMCache bool

	// FS supplies block statistics and metadata sync. Nil means no-op.
	FS FS

	// Logger receives cache events.
	// Default: discard
	Logger *slog.Logger
}

// DefaultOptions returns the default pool options.
func DefaultOptions() Options {
	return Options{
		Buffers:          defaultBuffers,
		BlockSize:        defaultBlockSize,
		MaxScatter:       defaultMaxScatter,
		FlushParallelism: defaultFlushers,
		UseVMCache:       true,
	}
}

func (o *Options) setDefaults() {
	if o.Buffers <= 0 {
		o.Buffers = defaultBuffers
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.MaxScatter <= 0 {
		o.MaxScatter = defaultMaxScatter
	}
	if o.FlushParallelism <= 0 {
		o.FlushParallelism = defaultFlushers
	}
}
