package liveupdate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joshuapare/lmfs/liveupdate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePart is a participant with settable occupancy.
type fakePart struct {
	name string

	mu         sync.Mutex
	occ        liveupdate.Occupancy
	suspended  bool
	suspendErr error
	suspends   int
	resumes    int
	order      *[]string

	// onSuspend runs inside Suspend, before it returns.
	onSuspend func()

	exported any
	imported []byte
}

func (f *fakePart) Name() string { return f.name }

func (f *fakePart) Occupancy() liveupdate.Occupancy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occ
}

func (f *fakePart) setOcc(o liveupdate.Occupancy) {
	f.mu.Lock()
	f.occ = o
	f.mu.Unlock()
}

func (f *fakePart) Suspend(context.Context) error {
	if f.onSuspend != nil {
		f.onSuspend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = true
	f.suspends++
	if f.order != nil {
		*f.order = append(*f.order, "suspend "+f.name)
	}
	return nil
}

func (f *fakePart) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = false
	f.resumes++
	if f.order != nil {
		*f.order = append(*f.order, "resume "+f.name)
	}
}

func (f *fakePart) isSuspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

// exportPart also exports and imports state.
type exportPart struct {
	fakePart
	exportErr error
}

func (e *exportPart) Export() (any, error) {
	if e.exportErr != nil {
		return nil, e.exportErr
	}
	return e.exported, nil
}

func (e *exportPart) Import(data []byte) error {
	e.imported = append([]byte(nil), data...)
	return nil
}

func Test_Prepare_StandardLadder(t *testing.T) {
	tests := []struct {
		name  string
		occ   liveupdate.Occupancy
		state liveupdate.State
		ready bool
	}{
		{"work-free always", liveupdate.Occupancy{Requests: 3, Grants: 1, Callbacks: 2}, liveupdate.StateWorkFree, true},
		{"request-free idle", liveupdate.Occupancy{}, liveupdate.StateRequestFree, true},
		{"request-free with request", liveupdate.Occupancy{Requests: 1}, liveupdate.StateRequestFree, false},
		{"request-free with grant", liveupdate.Occupancy{Grants: 1}, liveupdate.StateRequestFree, false},
		{"request-free ignores callbacks", liveupdate.Occupancy{Callbacks: 1}, liveupdate.StateRequestFree, true},
		{"protocol-free with callback", liveupdate.Occupancy{Callbacks: 1}, liveupdate.StateProtocolFree, false},
		{"protocol-free idle", liveupdate.Occupancy{}, liveupdate.StateProtocolFree, true},
		{"select-protocol-free allows grants", liveupdate.Occupancy{Grants: 4}, liveupdate.StateSelectProtocolFree, true},
		{"select-protocol-free with callback", liveupdate.Occupancy{Callbacks: 1}, liveupdate.StateSelectProtocolFree, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePart{name: "p", occ: tt.occ}
			c := liveupdate.New(liveupdate.DefaultOptions(), p)

			err := c.Prepare(context.Background(), tt.state)
			if !tt.ready {
				require.ErrorIs(t, err, liveupdate.ErrNotReady)
				require.False(t, p.isSuspended())
				require.Equal(t, liveupdate.StateNull, c.Prepared())
				return
			}
			require.NoError(t, err)
			require.True(t, p.isSuspended())
			require.Equal(t, tt.state, c.Prepared())
		})
	}
}

func Test_Prepare_SumsParticipants(t *testing.T) {
	a := &fakePart{name: "a", occ: liveupdate.Occupancy{Requests: 1}}
	b := &fakePart{name: "b", occ: liveupdate.Occupancy{Grants: 2}}
	c := liveupdate.New(liveupdate.DefaultOptions(), a, b)

	require.Equal(t, liveupdate.Occupancy{Requests: 1, Grants: 2}, c.Occupancy())

	err := c.Prepare(context.Background(), liveupdate.StateRequestFree)
	require.ErrorIs(t, err, liveupdate.ErrNotReady)
	require.Contains(t, err.Error(), "requests=1 grants=2")
}

func Test_Prepare_InvalidState(t *testing.T) {
	c := liveupdate.New(liveupdate.DefaultOptions())
	err := c.Prepare(context.Background(), liveupdate.StateCustomBase+5)
	require.ErrorIs(t, err, liveupdate.ErrInvalidState)

	err = c.Prepare(context.Background(), liveupdate.StateNull)
	require.ErrorIs(t, err, liveupdate.ErrInvalidState)
}

func Test_Prepare_AlreadyPrepared(t *testing.T) {
	p := &fakePart{name: "p"}
	c := liveupdate.New(liveupdate.DefaultOptions(), p)
	require.NoError(t, c.Prepare(context.Background(), liveupdate.StateWorkFree))

	err := c.Prepare(context.Background(), liveupdate.StateRequestFree)
	require.ErrorIs(t, err, liveupdate.ErrAlreadyPrepared)
	require.Equal(t, 1, p.suspends)
}

func Test_Prepare_SuspendFailureResumesEarlier(t *testing.T) {
	var order []string
	a := &fakePart{name: "a", order: &order}
	b := &fakePart{name: "b", order: &order}
	bad := &fakePart{name: "bad", suspendErr: errors.New("boom")}
	c := liveupdate.New(liveupdate.DefaultOptions(), a, b, bad)

	err := c.Prepare(context.Background(), liveupdate.StateWorkFree)
	require.ErrorContains(t, err, "suspend bad")
	require.Equal(t, []string{"suspend a", "suspend b", "resume b", "resume a"}, order)
	require.Equal(t, liveupdate.StateNull, c.Prepared())
}

func Test_Prepare_RecheckAfterSuspend(t *testing.T) {
	a := &fakePart{name: "a"}
	b := &fakePart{name: "b"}
	// Work slips in while the first participant is being suspended.
	a.onSuspend = func() { b.setOcc(liveupdate.Occupancy{Requests: 1}) }
	c := liveupdate.New(liveupdate.DefaultOptions(), a, b)

	err := c.Prepare(context.Background(), liveupdate.StateRequestFree)
	require.ErrorIs(t, err, liveupdate.ErrNotReady)
	require.False(t, a.isSuspended())
	require.False(t, b.isSuspended())
	require.Equal(t, 1, a.resumes)
	require.Equal(t, 1, b.resumes)
}

func Test_PrepareWait_DeferredUntilIdle(t *testing.T) {
	p := &fakePart{name: "p", occ: liveupdate.Occupancy{Grants: 1}}
	c := liveupdate.New(liveupdate.Options{PollInterval: time.Millisecond}, p)

	time.AfterFunc(20*time.Millisecond, func() { p.setOcc(liveupdate.Occupancy{}) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.PrepareWait(ctx, liveupdate.StateRequestFree))
	require.True(t, p.isSuspended())
}

func Test_PrepareWait_Timeout(t *testing.T) {
	p := &fakePart{name: "p", occ: liveupdate.Occupancy{Requests: 1}}
	c := liveupdate.New(liveupdate.Options{PollInterval: time.Millisecond}, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.PrepareWait(ctx, liveupdate.StateRequestFree)
	require.ErrorIs(t, err, liveupdate.ErrNotReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, p.isSuspended())
}

func Test_PrepareWait_InvalidStateFailsFast(t *testing.T) {
	c := liveupdate.New(liveupdate.DefaultOptions())
	err := c.PrepareWait(context.Background(), liveupdate.StateCustomBase+1)
	require.ErrorIs(t, err, liveupdate.ErrInvalidState)
}

func Test_Abort_ResumesAndRollsBack(t *testing.T) {
	p := &fakePart{name: "p"}
	var rolledBack []liveupdate.State
	c := liveupdate.New(liveupdate.Options{
		Rollback: func(s liveupdate.State) { rolledBack = append(rolledBack, s) },
	}, p)

	require.NoError(t, c.Prepare(context.Background(), liveupdate.StateProtocolFree))
	c.Abort()

	require.False(t, p.isSuspended())
	require.Equal(t, liveupdate.StateNull, c.Prepared())
	require.Equal(t, []liveupdate.State{liveupdate.StateProtocolFree}, rolledBack)

	// Nothing prepared: no rollback.
	c.Abort()
	require.Len(t, rolledBack, 1)
	require.Equal(t, 1, p.resumes)
}

func Test_StateChanged_NonNullIsNoop(t *testing.T) {
	p := &fakePart{name: "p"}
	c := liveupdate.New(liveupdate.DefaultOptions(), p)
	require.NoError(t, c.Prepare(context.Background(), liveupdate.StateWorkFree))

	c.StateChanged(liveupdate.StateWorkFree, liveupdate.StateRequestFree)
	require.True(t, p.isSuspended())
	require.Equal(t, liveupdate.StateWorkFree, c.Prepared())
}

func Test_Register_CustomState(t *testing.T) {
	p := &fakePart{name: "p", occ: liveupdate.Occupancy{Callbacks: 3}}
	c := liveupdate.New(liveupdate.DefaultOptions(), p)
	custom := liveupdate.StateCustomBase + 1

	require.False(t, c.StateIsValid(custom, 0))
	require.NoError(t, c.Register(custom, func(o liveupdate.Occupancy) bool { return o.Callbacks < 5 }))
	require.True(t, c.StateIsValid(custom, 0))
	require.False(t, c.StateIsValid(custom, liveupdate.FlagStandardOnly))

	require.NoError(t, c.Prepare(context.Background(), custom))
	require.Equal(t, custom, c.Prepared())

	require.ErrorIs(t, c.Register(custom, func(liveupdate.Occupancy) bool { return true }), liveupdate.ErrInvalidState)
	require.ErrorIs(t, c.Register(liveupdate.StateRequestFree, func(liveupdate.Occupancy) bool { return true }), liveupdate.ErrInvalidState)
	require.ErrorIs(t, c.Register(custom+1, nil), liveupdate.ErrInvalidState)
}

func Test_StateIsValid(t *testing.T) {
	c := liveupdate.New(liveupdate.DefaultOptions())
	require.True(t, c.StateIsValid(liveupdate.StateWorkFree, liveupdate.FlagStandardOnly))
	require.True(t, c.StateIsValid(liveupdate.StateSelectProtocolFree, 0))
	require.False(t, c.StateIsValid(liveupdate.StateSelectProtocolFree, liveupdate.FlagStandardOnly))
	require.False(t, c.StateIsValid(liveupdate.StateNull, 0))
}

func Test_Handoff_RestoreRoundTrip(t *testing.T) {
	src := &exportPart{fakePart: fakePart{name: "cache", exported: map[string]int{"blocks": 7}}}
	plain := &fakePart{name: "driver"}
	c := liveupdate.New(liveupdate.DefaultOptions(), src, plain)

	var img bytes.Buffer
	require.NoError(t, c.Handoff(context.Background(), liveupdate.StateRequestFree, &img))
	require.True(t, src.isSuspended())
	require.True(t, plain.isSuspended())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(img.Bytes(), &raw))
	require.Contains(t, raw["parts"], "cache")
	require.NotContains(t, raw["parts"], "driver")

	dst := &exportPart{fakePart: fakePart{name: "cache"}}
	missing := &exportPart{fakePart: fakePart{name: "other"}}
	require.NoError(t, liveupdate.Restore(&img, nil, dst, missing))
	require.JSONEq(t, `{"blocks":7}`, string(dst.imported))
	require.Nil(t, missing.imported)
}

func Test_Handoff_ExportErrorKeepsSuspended(t *testing.T) {
	src := &exportPart{fakePart: fakePart{name: "cache"}, exportErr: errors.New("dirty")}
	c := liveupdate.New(liveupdate.DefaultOptions(), src)

	err := c.Handoff(context.Background(), liveupdate.StateWorkFree, &bytes.Buffer{})
	require.ErrorContains(t, err, "export cache")
	require.True(t, src.isSuspended())

	c.Abort()
	require.False(t, src.isSuspended())
}

func Test_WriteImage_NotPrepared(t *testing.T) {
	c := liveupdate.New(liveupdate.DefaultOptions())
	require.ErrorIs(t, c.WriteImage(&bytes.Buffer{}), liveupdate.ErrNotPrepared)
}

func Test_Restore_BadImage(t *testing.T) {
	require.ErrorIs(t, liveupdate.Restore(strings.NewReader("not json"), nil), liveupdate.ErrBadImage)
	require.ErrorIs(t, liveupdate.Restore(strings.NewReader(`{"version": 99}`), nil), liveupdate.ErrBadImage)
}

func Test_ParseState(t *testing.T) {
	for s := liveupdate.StateNull; s <= liveupdate.StateSelectProtocolFree; s++ {
		got, err := liveupdate.ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := liveupdate.ParseState("custom-9")
	require.ErrorIs(t, err, liveupdate.ErrInvalidState)
	require.Equal(t, "custom-3", (liveupdate.StateCustomBase + 3).String())
}
