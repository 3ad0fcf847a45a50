package vmcache

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/lmfs/device"
)

const testPage = 4096

var (
	devA = device.MakeDev(3, 0)
	devB = device.MakeDev(3, 1)
)

func newStore(t *testing.T, pages int) *Store {
	t.Helper()
	s, err := New(Options{Pages: pages, PageSize: testPage})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func Test_Store_SetGet(t *testing.T) {
	s := newStore(t, 8)

	require.NoError(t, s.Set(devA, 2*testPage, 42, 0, fill(2*testPage, 0xAB)))

	dst := make([]byte, 2*testPage)
	gen, ok := s.Get(devA, 2*testPage, NoInode, 0, dst)
	require.True(t, ok)
	require.Equal(t, uint64(0), gen)
	require.Equal(t, fill(2*testPage, 0xAB), dst)

	ino, off, ok := s.Inode(devA, 3*testPage)
	require.True(t, ok)
	require.Equal(t, uint64(42), ino)
	require.Equal(t, uint64(testPage), off)

	// Other device, same offset.
	_, ok = s.Get(devB, 2*testPage, NoInode, 0, dst)
	require.False(t, ok)

	st := s.Stats()
	require.Equal(t, 2, st.Used)
	require.Equal(t, uint64(1), st.Hits)
	require.Equal(t, uint64(1), st.Misses)
}

func Test_Store_PartialHitIsMiss(t *testing.T) {
	s := newStore(t, 8)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)))

	_, ok := s.Get(devA, 0, NoInode, 0, make([]byte, 2*testPage))
	require.False(t, ok)
}

func Test_Store_Has(t *testing.T) {
	s := newStore(t, 8)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)))

	require.True(t, s.Has(devA, 0, testPage))
	require.False(t, s.Has(devA, 0, 2*testPage))
	require.False(t, s.Has(devB, 0, testPage))
	require.False(t, s.Has(devA, 100, testPage))

	st := s.Stats()
	require.Zero(t, st.Hits)
	require.Zero(t, st.Misses)
}

func Test_Store_Unaligned(t *testing.T) {
	s := newStore(t, 4)

	require.ErrorIs(t, s.Set(devA, 100, NoInode, 0, fill(testPage, 1)), ErrUnaligned)
	require.ErrorIs(t, s.Set(devA, 0, NoInode, 0, fill(1024, 1)), ErrUnaligned)
	require.ErrorIs(t, s.Set(devA, 0, NoInode, 0, fill(8*testPage, 1)), ErrTooLarge)

	_, ok := s.Get(devA, 0, NoInode, 0, make([]byte, 1024))
	require.False(t, ok)
}

func Test_Store_LRUEviction(t *testing.T) {
	s := newStore(t, 2)
	dst := make([]byte, testPage)

	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 0)))
	require.NoError(t, s.Set(devA, testPage, NoInode, 0, fill(testPage, 1)))

	// Touch page 0 so page 1 becomes the victim.
	_, ok := s.Get(devA, 0, NoInode, 0, dst)
	require.True(t, ok)

	require.NoError(t, s.Set(devA, 2*testPage, NoInode, 0, fill(testPage, 2)))

	_, ok = s.Get(devA, testPage, NoInode, 0, dst)
	require.False(t, ok, "least recently used page should be evicted")
	_, ok = s.Get(devA, 0, NoInode, 0, dst)
	require.True(t, ok)
	require.Equal(t, uint64(1), s.Stats().Evictions)
}

func Test_Store_OverwriteInPlace(t *testing.T) {
	s := newStore(t, 2)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)))
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 2)))

	dst := make([]byte, testPage)
	_, ok := s.Get(devA, 0, NoInode, 0, dst)
	require.True(t, ok)
	require.Equal(t, byte(2), dst[0])
	require.Equal(t, 1, s.Stats().Used)
}

func Test_Store_ForgetBumpsGeneration(t *testing.T) {
	s := newStore(t, 4)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)))
	require.NoError(t, s.Set(devB, 0, NoInode, 0, fill(testPage, 2)))

	s.Forget(devA)

	require.Equal(t, uint64(1), s.Generation(devA))
	require.Equal(t, uint64(0), s.Generation(devB))

	_, ok := s.Get(devA, 0, NoInode, 0, make([]byte, testPage))
	require.False(t, ok)
	_, ok = s.Get(devB, 0, NoInode, 0, make([]byte, testPage))
	require.True(t, ok)
}

func Test_Store_ForgetBlock(t *testing.T) {
	s := newStore(t, 4)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(2*testPage, 1)))

	s.ForgetBlock(devA, 0, 2*testPage)
	require.Equal(t, 0, s.Stats().Used)
	require.Equal(t, uint64(0), s.Generation(devA))
}

func Test_Store_RevokeNotifies(t *testing.T) {
	s := newStore(t, 4)
	require.NoError(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)))

	var got atomic.Int32
	cancel := s.Subscribe(func(dev device.Dev) {
		require.Equal(t, devA, dev)
		// Called outside the store lock.
		require.Equal(t, uint64(1), s.Generation(dev))
		got.Add(1)
	})

	s.Revoke(devA)
	require.Equal(t, int32(1), got.Load())
	require.Equal(t, uint64(1), s.Stats().Revokes)

	cancel()
	s.Revoke(devA)
	require.Equal(t, int32(1), got.Load())
}

func Test_Store_Closed(t *testing.T) {
	s, err := New(Options{Pages: 1, PageSize: testPage})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Set(devA, 0, NoInode, 0, fill(testPage, 1)), ErrClosed)
	_, ok := s.Get(devA, 0, NoInode, 0, make([]byte, testPage))
	require.False(t, ok)
}

func Benchmark_Store_Get(b *testing.B) {
	s, err := New(Options{Pages: 256, PageSize: testPage})
	require.NoError(b, err)
	defer s.Close()

	for i := range 256 {
		require.NoError(b, s.Set(devA, int64(i*testPage), NoInode, 0, fill(testPage, byte(i))))
	}
	dst := make([]byte, testPage)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Get(devA, int64((i%256)*testPage), NoInode, 0, dst)
	}
}
