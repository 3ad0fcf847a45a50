package cache

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/internal/testutil"
)

// hookDevice runs onScatter before every vectored write.
type hookDevice struct {
	device.Device
	onScatter func()
}

func (d *hookDevice) Scatter(segs []device.Segment) error {
	if d.onScatter != nil {
		d.onScatter()
	}
	return d.Device.Scatter(segs)
}

func dirtyBlocks(t *testing.T, p *Pool, blocks ...uint64) []Buf {
	t.Helper()
	bufs := make([]Buf, 0, len(blocks))
	for _, blk := range blocks {
		b := get(t, p, blk, ModeNoRead)
		copy(b.Data(), bytes.Repeat([]byte{0xA0 | byte(blk)}, testBlock))
		b.MarkDirty()
		bufs = append(bufs, b)
	}
	return bufs
}

func Test_RWScattered_OneCallForNonAdjacent(t *testing.T) {
	mem := testutil.NewPatternDevice(testBlock, 16)
	hook := &hookDevice{Device: mem}
	counting := testutil.NewCountingDevice(hook)
	p := newTestPool(t, 8, counting)

	bufs := dirtyBlocks(t, p, 9, 1, 5)
	hook.onScatter = func() {
		for _, b := range bufs {
			require.False(t, b.IsClean(), "cleaned before the device finished")
		}
	}

	require.NoError(t, p.RWScattered(context.Background(), devA, bufs, Write))

	require.Equal(t, int64(1), counting.Scatters.Load())
	require.Equal(t, int64(3), counting.Segments.Load())
	require.Equal(t, int64(0), counting.Writes.Load())
	for _, b := range bufs {
		require.True(t, b.IsClean())
		blk := b.Block()
		require.Equal(t, 0xA0|byte(blk), mem.Bytes()[blk*testBlock])
		put(t, p, b)
	}
	checkInvariants(t, p)
}

func Test_RWScattered_ReadFillsInvalid(t *testing.T) {
	counting := testutil.NewCountingDevice(testutil.NewPatternDevice(testBlock, 16))
	p := newTestPool(t, 8, counting)

	valid := get(t, p, 2, ModeNormal)
	bufs := []Buf{get(t, p, 8, ModePrefetch), valid, get(t, p, 4, ModePrefetch), get(t, p, 8, ModePrefetch)}

	require.NoError(t, p.RWScattered(context.Background(), devA, bufs, Read))
	require.Equal(t, int64(1), counting.Gathers.Load())
	require.Equal(t, int64(2), counting.Segments.Load(), "valid and duplicate buffers are skipped")

	for _, b := range bufs {
		require.True(t, b.Valid())
		require.Equal(t, byte(b.Block()), b.Data()[0])
		put(t, p, b)
	}
	checkInvariants(t, p)
}

func Test_Prefetch_OneGather(t *testing.T) {
	counting := testutil.NewCountingDevice(testutil.NewPatternDevice(testBlock, 16))
	p := newTestPool(t, 8, counting)

	require.NoError(t, p.Prefetch(context.Background(), devA, []uint64{10, 1, 2, 3}))
	require.Equal(t, int64(1), counting.Gathers.Load())
	require.Equal(t, int64(4), counting.Segments.Load())

	b := get(t, p, 2, ModeNormal)
	require.Equal(t, byte(2), b.Data()[0])
	put(t, p, b)
	require.Equal(t, int64(0), counting.Reads.Load())
	checkInvariants(t, p)
}

func Test_FlushAll_Batches(t *testing.T) {
	counting := testutil.NewCountingDevice(testutil.NewPatternDevice(testBlock, 16))
	opts := DefaultOptions()
	opts.Buffers = 8
	opts.BlockSize = testBlock
	opts.MaxScatter = 2
	opts.SyncOnFlush = true
	p, err := New(opts)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Mount(devA, counting))

	for _, b := range dirtyBlocks(t, p, 1, 2, 3, 7, 9) {
		put(t, p, b)
	}
	require.Equal(t, 5, p.Stats().Dirty)

	require.NoError(t, p.FlushAll(context.Background()))
	require.Equal(t, int64(3), counting.Scatters.Load())
	require.Equal(t, int64(5), counting.Segments.Load())
	require.Equal(t, int64(1), counting.Syncs.Load())
	require.Equal(t, 0, p.Stats().Dirty)
	require.Equal(t, uint64(5), p.Stats().Writes)
	checkInvariants(t, p)
}

func Test_FlushAll_ParallelDevices(t *testing.T) {
	memA := testutil.NewPatternDevice(testBlock, 8)
	memB := testutil.NewPatternDevice(testBlock, 8)
	p := newTestPool(t, 8, memA)
	require.NoError(t, p.Mount(devB, memB))

	for _, b := range dirtyBlocks(t, p, 1, 2) {
		put(t, p, b)
	}
	bb, err := p.GetBlock(devB, 3, ModeNoRead)
	require.NoError(t, err)
	bb.Data()[0] = 0xB3
	bb.MarkDirty()
	put(t, p, bb)

	require.NoError(t, p.FlushAll(context.Background()))
	require.Equal(t, byte(0xA1), memA.Bytes()[testBlock])
	require.Equal(t, byte(0xB3), memB.Bytes()[3*testBlock])
	require.Equal(t, 0, p.Stats().Dirty)
}

func Test_FlushDev_OnlyThatDevice(t *testing.T) {
	p := newTestPool(t, 8, testutil.NewPatternDevice(testBlock, 8))
	require.NoError(t, p.Mount(devB, testutil.NewPatternDevice(testBlock, 8)))

	for _, b := range dirtyBlocks(t, p, 1) {
		put(t, p, b)
	}
	bb, err := p.GetBlock(devB, 1, ModeNoRead)
	require.NoError(t, err)
	bb.MarkDirty()
	put(t, p, bb)

	require.NoError(t, p.FlushDev(context.Background(), devB))
	require.Equal(t, 1, p.Stats().Dirty)
	require.True(t, p.dirtyHas(devA, 1))
}

func (p *Pool) dirtyHas(dev device.Dev, block uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty.Has(dev, block)
}

func Test_FlushAll_PartialFailure(t *testing.T) {
	faulty := testutil.NewFaultyDevice(testutil.NewPatternDevice(testBlock, 16))
	faulty.FailAt(2 * testBlock)
	p := newTestPool(t, 8, faulty)

	for _, b := range dirtyBlocks(t, p, 1, 2, 3) {
		put(t, p, b)
	}

	err := p.FlushAll(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, testutil.ErrInjected)
	var se *ScatterError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []uint64{2}, se.Blocks())
	require.Equal(t, "write", se.Op)
	require.Equal(t, 1, p.Stats().Dirty)
	require.True(t, p.dirtyHas(devA, 2))
	checkInvariants(t, p)

	faulty.Heal()
	require.NoError(t, p.FlushAll(context.Background()))
	require.Equal(t, 0, p.Stats().Dirty)
}

func Test_FlushAll_WholeBatchFailureRetriesPerBlock(t *testing.T) {
	faulty := testutil.NewFaultyDevice(testutil.NewPatternDevice(testBlock, 16))
	faulty.WholeBatch = true
	faulty.FailAt(2 * testBlock)
	counting := testutil.NewCountingDevice(faulty)
	p := newTestPool(t, 8, counting)

	for _, b := range dirtyBlocks(t, p, 1, 2, 3) {
		put(t, p, b)
	}

	err := p.FlushAll(context.Background())
	var se *ScatterError
	require.ErrorAs(t, err, &se)
	require.Equal(t, []uint64{2}, se.Blocks())
	require.Equal(t, int64(1), counting.Scatters.Load())
	require.Equal(t, int64(3), counting.Writes.Load())
	require.Equal(t, 1, p.Stats().Dirty)
}

func Test_FlushAll_RedirtiedDuringWriteStaysDirty(t *testing.T) {
	hook := &hookDevice{Device: testutil.NewPatternDevice(testBlock, 16)}
	p := newTestPool(t, 8, hook)

	bufs := dirtyBlocks(t, p, 4)
	b := bufs[0]
	hook.onScatter = func() {
		hook.onScatter = nil
		b.MarkDirty()
	}

	require.NoError(t, p.FlushAll(context.Background()))
	require.False(t, b.IsClean())

	require.NoError(t, p.FlushAll(context.Background()))
	require.True(t, b.IsClean())
	put(t, p, b)
	checkInvariants(t, p)
}

func Test_FlushAll_CanceledContext(t *testing.T) {
	p := newTestPool(t, 8, testutil.NewPatternDevice(testBlock, 16))
	for _, b := range dirtyBlocks(t, p, 1, 2) {
		put(t, p, b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.FlushAll(ctx), context.Canceled)
	require.Equal(t, 2, p.Stats().Dirty)
	checkInvariants(t, p)
}
