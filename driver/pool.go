package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/lmfs/internal/logger"
)

const (
	// MaxWorkers is the largest worker pool.
	MaxWorkers = 32

	defaultWorkers    = 4
	defaultQueueDepth = 64
)

// State is a worker thread state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateBlocked
	StateParked
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateParked:
		return "parked"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// Options configures a Pool.
type Options struct {
	// Workers is the number of worker threads, 1 to MaxWorkers.
	// Default: 4
	Workers int

	// QueueDepth is the number of requests that may wait for a worker.
	// Default: 64
	QueueDepth int

	// Logger receives pool events.
	// Default: discard
	Logger *slog.Logger
}

// DefaultOptions returns the default pool options.
func DefaultOptions() Options {
	return Options{Workers: defaultWorkers, QueueDepth: defaultQueueDepth}
}

type thread struct {
	id    int
	state State
	wake  chan struct{} // capacity 1: a wakeup sent before Sleep is kept
}

type envelope struct {
	req   *Request
	reply chan Reply
}

// Pool runs a Driver on worker goroutines.
type Pool struct {
	drv   Driver
	queue chan envelope
	gate  chan struct{} // holding a token = running driver code
	quit  chan struct{}

	mu        sync.Mutex
	threads   []*thread
	queued    int
	changed   chan struct{} // closed and replaced on every state change
	running   bool
	stopped   bool
	draining  bool
	suspended bool

	log *slog.Logger
}

// New creates a pool for drv. Call Run to start the workers.
func New(drv Driver, opts Options) (*Pool, error) {
	if opts.Workers == 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Workers < 1 || opts.Workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrWorkers, opts.Workers, MaxWorkers)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}

	p := &Pool{
		drv:     drv,
		queue:   make(chan envelope, opts.QueueDepth),
		gate:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		changed: make(chan struct{}),
		threads: make([]*thread, opts.Workers),
		log:     logger.OrDiscard(opts.Logger),
	}
	for i := range p.threads {
		p.threads[i] = &thread{id: i, wake: make(chan struct{}, 1)}
	}
	return p, nil
}

// notifyLocked wakes everything waiting for a state change.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) setState(th *thread, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th.state = s
	p.notifyLocked()
}

// Run starts the workers and blocks until Stop, Terminate or ctx ends.
// Requests still queued then fail with ErrStopped.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return ErrRunning
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("driver: pool started", "workers", len(p.threads))

	var g errgroup.Group
	for _, th := range p.threads {
		g.Go(func() error {
			p.worker(ctx, th)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.running = false
	p.stopped = true
drain:
	for {
		select {
		case env := <-p.queue:
			p.queued--
			env.reply <- Reply{Err: ErrStopped}
		default:
			break drain
		}
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.log.Info("driver: pool stopped")
	if p.isQuit() {
		return nil
	}
	return context.Cause(ctx)
}

func (p *Pool) isQuit() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context, th *thread) {
	defer p.setState(th, StateExited)

	for {
		var env envelope
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case env = <-p.queue:
		}

		// A wakeup aimed at an earlier request must not end a Sleep in this one.
		select {
		case <-th.wake:
		default:
		}

		p.mu.Lock()
		p.queued--
		th.state = StateRunning
		p.notifyLocked()
		p.mu.Unlock()

		t := &Task{p: p, th: th, ctx: ctx}
		p.acquire()
		reply := p.dispatch(t, env.req)
		p.drv.Cleanup()
		p.release()

		env.reply <- reply
		p.setState(th, StateIdle)
	}
}

func (p *Pool) acquire() { p.gate <- struct{}{} }
func (p *Pool) release() { <-p.gate }

func (p *Pool) dispatch(t *Task, req *Request) Reply {
	var r Reply
	switch req.Op {
	case OpOpen:
		r.Err = p.drv.Open(t, req)
	case OpClose:
		r.Err = p.drv.Close(t, req)
	case OpRead, OpWrite, OpGather, OpScatter:
		r.N, r.Err = p.drv.Transfer(t, req)
	case OpIoctl:
		r.Val, r.Err = p.drv.Ioctl(t, req)
	default:
		r.Val, r.Err = p.drv.Other(t, req)
	}
	if r.Err != nil {
		p.log.Debug("driver: request failed", "op", req.Op.String(), "dev", req.Dev.String(), "thread", t.th.id, "error", r.Err)
	}
	return r
}

// Send queues req and returns the channel its reply arrives on. It waits
// while the pool is suspended or the queue is full.
func (p *Pool) Send(ctx context.Context, req *Request) (<-chan Reply, error) {
	env := envelope{req: req, reply: make(chan Reply, 1)}

	p.mu.Lock()
	for {
		if p.stopped || p.draining {
			p.mu.Unlock()
			return nil, ErrStopped
		}
		if !p.suspended {
			select {
			case p.queue <- env:
				p.queued++
				p.notifyLocked()
				p.mu.Unlock()
				return env.reply, nil
			default:
			}
		}

		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		p.mu.Lock()
	}
}

// Submit sends req and waits for the reply. A reply error is returned both
// in the Reply and as the error.
func (p *Pool) Submit(ctx context.Context, req *Request) (Reply, error) {
	ch, err := p.Send(ctx, req)
	if err != nil {
		return Reply{Err: err}, err
	}
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Reply{Err: ctx.Err()}, ctx.Err()
	}
}

// Wakeup resumes the worker with the given id from Sleep. A wakeup sent
// during a request but before the worker sleeps makes that request's next
// Sleep return at once; one sent while the worker is idle is dropped when it
// takes its next request. Waking an unknown thread is a programming error.
func (p *Pool) Wakeup(id int) {
	if id < 0 || id >= len(p.threads) {
		panic(fmt.Sprintf("driver: wakeup of unknown thread %d", id))
	}
	select {
	case p.threads[id].wake <- struct{}{}:
	default:
	}
}

// idleLocked reports whether every worker is idle and nothing is queued.
func (p *Pool) idleLocked() bool {
	if p.queued > 0 {
		return false
	}
	for _, th := range p.threads {
		if th.state != StateIdle && th.state != StateExited {
			return false
		}
	}
	return true
}

// Stop shuts the pool down if it is idle and returns ErrBusy otherwise.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.isQuit() {
		return nil
	}
	if !p.idleLocked() {
		return ErrBusy
	}
	p.draining = true
	close(p.quit)
	p.notifyLocked()
	p.log.Info("driver: stop requested")
	return nil
}

// Terminate refuses new requests, waits until every admitted request has
// finished and then stops the pool.
func (p *Pool) Terminate(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.notifyLocked()
	p.mu.Unlock()

	if err := p.waitIdle(ctx); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	return p.Stop()
}

func (p *Pool) waitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.idleLocked() {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// ThreadInfo describes one worker.
type ThreadInfo struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

// Snapshot returns the state of every worker.
func (p *Pool) Snapshot() []ThreadInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ThreadInfo, len(p.threads))
	for i, th := range p.threads {
		out[i] = ThreadInfo{ID: th.id, State: th.state.String()}
	}
	return out
}

// Workers returns the number of worker threads.
func (p *Pool) Workers() int { return len(p.threads) }
