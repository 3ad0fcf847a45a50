package liveupdate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/joshuapare/lmfs/internal/logger"
)

const (
	// defaultPollInterval is how often PrepareWait re-evaluates readiness.
	defaultPollInterval = 10 * time.Millisecond

	// imageVersion is written into every state image.
	imageVersion = 1
)

// Flags modify StateIsValid.
type Flags uint32

const (
	// FlagStandardOnly rejects custom states.
	FlagStandardOnly Flags = 1 << iota
)

// Options configures a Coordinator.
type Options struct {
	// PollInterval is the PrepareWait polling period.
	// Default: 10ms
	PollInterval time.Duration

	// Rollback runs when an update prepared for the given state is aborted.
	// Default: nil
	Rollback func(State)

	// Logger receives lifecycle events. Default: discard.
	Logger *slog.Logger
}

// DefaultOptions returns the default coordinator options.
func DefaultOptions() Options {
	return Options{PollInterval: defaultPollInterval}
}

// Coordinator evaluates readiness and suspends participants.
type Coordinator struct {
	mu       sync.Mutex
	parts    []Participant
	preds    map[State]Predicate
	prepared State
	opts     Options
	log      *slog.Logger
}

// New creates a coordinator over the given participants.
func New(opts Options, parts ...Participant) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	c := &Coordinator{
		parts: parts,
		preds: make(map[State]Predicate, len(standardPredicates)),
		opts:  opts,
		log:   logger.OrDiscard(opts.Logger),
	}
	for s, p := range standardPredicates {
		c.preds[s] = p
	}
	c.checkTotal()
	return c
}

// checkTotal panics if a standard state lacks a predicate.
func (c *Coordinator) checkTotal() {
	for s := StateWorkFree; s < StateCustomBase; s++ {
		if c.preds[s] == nil {
			panic(fmt.Sprintf("liveupdate: no predicate for standard state %s", s))
		}
	}
}

// Register adds a custom state. States below StateCustomBase and already
// registered states are rejected.
func (c *Coordinator) Register(state State, pred Predicate) error {
	if state < StateCustomBase || pred == nil {
		return fmt.Errorf("%w: cannot register %s", ErrInvalidState, state)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.preds[state]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalidState, state)
	}
	c.preds[state] = pred
	return nil
}

// Occupancy returns the combined occupancy of all participants.
func (c *Coordinator) Occupancy() Occupancy {
	var o Occupancy
	for _, p := range c.parts {
		o = o.Add(p.Occupancy())
	}
	return o
}

// StateIsValid reports whether state can be prepared.
func (c *Coordinator) StateIsValid(state State, flags Flags) bool {
	if flags&FlagStandardOnly != 0 && !state.IsStandard() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.preds[state]
	return ok
}

// Prepared returns the state currently prepared, or StateNull.
func (c *Coordinator) Prepared() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared
}

// Prepare checks readiness for state and, if it holds, suspends every
// participant. It returns ErrNotReady (wrapped with the occupancy) when the
// predicate does not hold.
func (c *Coordinator) Prepare(ctx context.Context, state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pred, ok := c.preds[state]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	if c.prepared != StateNull {
		return fmt.Errorf("%w: %s", ErrAlreadyPrepared, c.prepared)
	}

	if o := c.Occupancy(); !pred(o) {
		return fmt.Errorf("%w: %s (%s)", ErrNotReady, state, o)
	}

	for i, p := range c.parts {
		if err := p.Suspend(ctx); err != nil {
			c.resumeFirst(i)
			return fmt.Errorf("suspend %s: %w", p.Name(), err)
		}
	}

	// Work admitted between the check and the suspension would be missed.
	if o := c.Occupancy(); !pred(o) {
		c.resumeFirst(len(c.parts))
		return fmt.Errorf("%w: %s (%s)", ErrNotReady, state, o)
	}

	c.prepared = state
	c.log.Info("live update prepared", "state", state.String())
	return nil
}

// resumeFirst resumes participants [0, n) in reverse order.
func (c *Coordinator) resumeFirst(n int) {
	for i := n - 1; i >= 0; i-- {
		c.parts[i].Resume()
	}
}

// PrepareWait polls Prepare until it succeeds, fails with anything other
// than ErrNotReady, or ctx is done.
func (c *Coordinator) PrepareWait(ctx context.Context, state State) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		err := c.Prepare(ctx, state)
		if !errors.Is(err, ErrNotReady) {
			return err
		}
		c.log.Debug("live update deferred", "state", state.String(), "reason", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// StateChanged is invoked by the framework on a state transition. A
// transition to StateNull aborts the update: participants resume and the
// rollback hook runs.
func (c *Coordinator) StateChanged(old, next State) {
	if next != StateNull {
		c.log.Debug("live update state changed", "old", old.String(), "new", next.String())
		return
	}

	c.mu.Lock()
	prepared := c.prepared
	if prepared != StateNull {
		c.resumeFirst(len(c.parts))
		c.prepared = StateNull
	}
	c.mu.Unlock()

	if old != StateNull && c.opts.Rollback != nil {
		c.opts.Rollback(old)
	}
	c.log.Info("live update aborted", "state", old.String(), "resumed", prepared != StateNull)
}

// Abort cancels the prepared update, if any.
func (c *Coordinator) Abort() {
	c.StateChanged(c.Prepared(), StateNull)
}

// image is the handoff stream format.
type image struct {
	Version int                        `json:"version"`
	State   State                      `json:"state"`
	Parts   map[string]json.RawMessage `json:"parts"`
}

// Handoff waits until state is reached, then writes every exporter's state
// to w. Participants stay suspended; the caller either retires this instance
// or aborts.
func (c *Coordinator) Handoff(ctx context.Context, state State, w io.Writer) error {
	if err := c.PrepareWait(ctx, state); err != nil {
		return err
	}
	return c.WriteImage(w)
}

// WriteImage writes the state image of a prepared update to w.
func (c *Coordinator) WriteImage(w io.Writer) error {
	state := c.Prepared()
	if state == StateNull {
		return ErrNotPrepared
	}

	img := image{Version: imageVersion, State: state, Parts: make(map[string]json.RawMessage)}
	for _, p := range c.parts {
		ex, ok := p.(Exporter)
		if !ok {
			continue
		}
		v, err := ex.Export()
		if err != nil {
			return fmt.Errorf("export %s: %w", p.Name(), err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("export %s: %w", p.Name(), err)
		}
		img.Parts[p.Name()] = raw
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(img); err != nil {
		return fmt.Errorf("write state image: %w", err)
	}
	c.log.Info("live update state exported", "state", state.String(), "parts", len(img.Parts))
	return nil
}

// Restore reads a state image written by Handoff and imports each part into
// the importer with the same name. Parts without an importer are skipped.
func Restore(r io.Reader, log *slog.Logger, importers ...Importer) error {
	log = logger.OrDiscard(log)

	var img image
	if err := json.NewDecoder(r).Decode(&img); err != nil {
		return fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if img.Version != imageVersion {
		return fmt.Errorf("%w: version %d", ErrBadImage, img.Version)
	}

	for _, im := range importers {
		raw, ok := img.Parts[im.Name()]
		if !ok {
			log.Warn("state image has no part", "name", im.Name())
			continue
		}
		if err := im.Import(raw); err != nil {
			return fmt.Errorf("import %s: %w", im.Name(), err)
		}
	}
	log.Info("live update state imported", "state", img.State.String(), "parts", len(img.Parts))
	return nil
}
