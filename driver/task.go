package driver

import "context"

// Task is the per-request context handed to driver code.
type Task struct {
	p   *Pool
	th  *thread
	ctx context.Context
}

// ID returns the worker thread id, the argument Wakeup expects.
func (t *Task) ID() int { return t.th.id }

// Context returns the pool's run context.
func (t *Task) Context() context.Context { return t.ctx }

// Sleep parks the worker until Pool.Wakeup is called with its id, letting
// other workers run meanwhile. It returns early if the pool shuts down.
func (t *Task) Sleep() {
	t.p.setState(t.th, StateParked)
	t.p.release()

	select {
	case <-t.th.wake:
	case <-t.ctx.Done():
	}

	t.p.acquire()
	t.p.setState(t.th, StateRunning)
}

// Block runs fn, typically device I/O, with the gate released so other
// workers can run driver code. fn must not touch driver state.
func (t *Task) Block(fn func() error) error {
	t.p.setState(t.th, StateBlocked)
	t.p.release()
	defer func() {
		t.p.acquire()
		t.p.setState(t.th, StateRunning)
	}()
	return fn()
}
