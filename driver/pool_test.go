package driver

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joshuapare/lmfs/liveupdate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testDriver parks on OpAlarm, optionally blocks on OpRead and tracks how
// many workers run driver code at once.
type testDriver struct {
	parked  chan int
	proceed chan struct{}
	blocked chan struct{}

	inside    atomic.Int32
	maxInside atomic.Int32
}

func newTestDriver() *testDriver {
	return &testDriver{parked: make(chan int, MaxWorkers)}
}

func (d *testDriver) enter() {
	n := d.inside.Add(1)
	for {
		m := d.maxInside.Load()
		if n <= m || d.maxInside.CompareAndSwap(m, n) {
			return
		}
	}
}

func (d *testDriver) exit() { d.inside.Add(-1) }

func (d *testDriver) Open(*Task, *Request) error  { return nil }
func (d *testDriver) Close(*Task, *Request) error { return nil }
func (d *testDriver) Cleanup()                    {}

func (d *testDriver) Transfer(t *Task, req *Request) (int, error) {
	d.enter()
	runtime.Gosched()
	d.exit()
	if req.Op == OpRead && d.blocked != nil {
		if err := t.Block(func() error { <-d.blocked; return nil }); err != nil {
			return 0, err
		}
	}
	d.enter()
	defer d.exit()
	return len(req.Data), nil
}

func (d *testDriver) Ioctl(_ *Task, req *Request) (any, error) {
	d.enter()
	defer d.exit()
	return req.Cmd, nil
}

func (d *testDriver) Other(t *Task, req *Request) (any, error) {
	if req.Op != OpAlarm {
		return nil, ErrUnsupported
	}
	d.parked <- t.ID()
	if d.proceed != nil {
		<-d.proceed
	}
	t.Sleep()
	return "woken", nil
}

// startPool runs p until the test ends.
func startPool(t *testing.T, drv Driver, workers int) (*Pool, <-chan error) {
	t.Helper()
	p, err := New(drv, Options{Workers: workers})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		done <- p.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return p, done
}

func countState(p *Pool, state State) int {
	n := 0
	for _, th := range p.Snapshot() {
		if th.State == state.String() {
			n++
		}
	}
	return n
}

func allIdle(p *Pool) func() bool {
	return func() bool { return countState(p, StateIdle) == p.Workers() }
}

func Test_New_WorkerLimits(t *testing.T) {
	_, err := New(newTestDriver(), Options{Workers: MaxWorkers + 1})
	require.ErrorIs(t, err, ErrWorkers)
	_, err = New(newTestDriver(), Options{Workers: -1})
	require.ErrorIs(t, err, ErrWorkers)

	p, err := New(newTestDriver(), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, p.Workers())
}

func Test_Pool_StopRefusesWhileParked(t *testing.T) {
	drv := newTestDriver()
	p, done := startPool(t, drv, 4)
	ctx := context.Background()

	replies, err := p.Send(ctx, &Request{Op: OpAlarm})
	require.NoError(t, err)
	id := <-drv.parked
	require.Eventually(t, func() bool { return countState(p, StateParked) == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, p.Stop(), ErrBusy)

	p.Wakeup(id)
	r := <-replies
	require.NoError(t, r.Err)
	require.Equal(t, "woken", r.Val)
	require.Eventually(t, allIdle(p), time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, <-done)
	require.Equal(t, p.Workers(), countState(p, StateExited))

	_, err = p.Send(ctx, &Request{Op: OpIoctl})
	require.ErrorIs(t, err, ErrStopped)
}

func Test_Task_WakeupBeforeSleepIsKept(t *testing.T) {
	drv := newTestDriver()
	drv.proceed = make(chan struct{})
	p, _ := startPool(t, drv, 2)

	replies, err := p.Send(context.Background(), &Request{Op: OpAlarm})
	require.NoError(t, err)

	id := <-drv.parked
	p.Wakeup(id)
	p.Wakeup(id) // coalesced
	close(drv.proceed)

	select {
	case r := <-replies:
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("early wakeup was lost")
	}
}

func Test_Task_StaleWakeupIgnored(t *testing.T) {
	drv := newTestDriver()
	p, _ := startPool(t, drv, 1)
	require.Eventually(t, allIdle(p), time.Second, time.Millisecond)

	// Sent while the worker serves no request.
	p.Wakeup(0)

	replies, err := p.Send(context.Background(), &Request{Op: OpAlarm})
	require.NoError(t, err)
	require.Equal(t, 0, <-drv.parked)
	require.Eventually(t, func() bool { return countState(p, StateParked) == 1 },
		time.Second, time.Millisecond)

	select {
	case r := <-replies:
		t.Fatalf("sleep ended without a wakeup: %v", r.Val)
	case <-time.After(50 * time.Millisecond):
	}

	p.Wakeup(0)
	r := <-replies
	require.NoError(t, r.Err)
	require.Equal(t, "woken", r.Val)
}

func Test_Pool_WakeupUnknownPanics(t *testing.T) {
	p, err := New(newTestDriver(), Options{Workers: 2})
	require.NoError(t, err)
	require.Panics(t, func() { p.Wakeup(2) })
	require.Panics(t, func() { p.Wakeup(-1) })
}

func Test_Pool_GateSerializesDriverCode(t *testing.T) {
	drv := newTestDriver()
	p, _ := startPool(t, drv, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := OpWrite
			if i%2 == 0 {
				op = OpIoctl
			}
			_, err := p.Submit(ctx, &Request{Op: op, Data: make([]byte, 8)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), drv.maxInside.Load())
}

func Test_Task_BlockReleasesGate(t *testing.T) {
	drv := newTestDriver()
	drv.blocked = make(chan struct{})
	p, _ := startPool(t, drv, 2)
	ctx := context.Background()

	slow, err := p.Send(ctx, &Request{Op: OpRead, Data: make([]byte, 4)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return countState(p, StateBlocked) == 1 }, time.Second, time.Millisecond)

	// The other worker gets the gate while the first is in I/O.
	r, err := p.Submit(ctx, &Request{Op: OpIoctl, Cmd: 7})
	require.NoError(t, err)
	require.Equal(t, uint32(7), r.Val)

	close(drv.blocked)
	rs := <-slow
	require.NoError(t, rs.Err)
	require.Equal(t, 4, rs.N)
}

func Test_Pool_Terminate(t *testing.T) {
	drv := newTestDriver()
	p, done := startPool(t, drv, 2)

	replies, err := p.Send(context.Background(), &Request{Op: OpAlarm})
	require.NoError(t, err)
	id := <-drv.parked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Terminate(ctx), context.DeadlineExceeded)

	// Draining: no new work is admitted.
	_, err = p.Send(context.Background(), &Request{Op: OpIoctl})
	require.ErrorIs(t, err, ErrStopped)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Wakeup(id)
	}()
	require.NoError(t, p.Terminate(context.Background()))
	require.NoError(t, (<-replies).Err)
	require.NoError(t, <-done)
}

func Test_Pool_ContextCancelStops(t *testing.T) {
	p, err := New(newTestDriver(), Options{Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err = p.Submit(ctx, &Request{Op: OpIoctl})
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ErrorIs(t, p.Run(context.Background()), ErrRunning)
}

func Test_Pool_SuspendResume(t *testing.T) {
	p, _ := startPool(t, newTestDriver(), 2)
	ctx := context.Background()

	require.NoError(t, p.Suspend(ctx))

	got := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, &Request{Op: OpIoctl})
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("request admitted while suspended")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, liveupdate.Occupancy{}, p.Occupancy())

	p.Resume()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request not admitted after resume")
	}
}

func Test_Pool_OccupancyGatesLiveUpdate(t *testing.T) {
	drv := newTestDriver()
	p, _ := startPool(t, drv, 4)
	c := liveupdate.New(liveupdate.DefaultOptions(), p)
	ctx := context.Background()

	replies, err := p.Send(ctx, &Request{Op: OpAlarm})
	require.NoError(t, err)
	id := <-drv.parked
	require.Eventually(t, func() bool { return countState(p, StateParked) == 1 }, time.Second, time.Millisecond)

	require.Equal(t, liveupdate.Occupancy{Requests: 1, Callbacks: 1}, p.Occupancy())
	require.NoError(t, c.Prepare(ctx, liveupdate.StateWorkFree))
	c.Abort()
	require.ErrorIs(t, c.Prepare(ctx, liveupdate.StateRequestFree), liveupdate.ErrNotReady)

	p.Wakeup(id)
	<-replies
	require.Eventually(t, allIdle(p), time.Second, time.Millisecond)
	require.NoError(t, c.Prepare(ctx, liveupdate.StateProtocolFree))
	c.Abort()
}
