package driver

import (
	"context"

	"github.com/joshuapare/lmfs/liveupdate"
)

var _ liveupdate.Participant = (*Pool)(nil)

// Name implements liveupdate.Participant.
func (p *Pool) Name() string { return "driver" }

// Occupancy counts queued requests and busy workers as requests. A parked
// worker is mid-request and waits for an asynchronous event, so it also
// counts as a callback.
func (p *Pool) Occupancy() liveupdate.Occupancy {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := liveupdate.Occupancy{Requests: p.queued}
	for _, th := range p.threads {
		switch th.state {
		case StateRunning, StateBlocked:
			o.Requests++
		case StateParked:
			o.Requests++
			o.Callbacks++
		}
	}
	return o
}

// Suspend stops admitting requests; Send waits until Resume. Requests
// already queued still run.
func (p *Pool) Suspend(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
	p.notifyLocked()
	p.log.Info("driver: suspended")
	return nil
}

// Resume admits requests again.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.suspended {
		return
	}
	p.suspended = false
	p.notifyLocked()
	p.log.Info("driver: resumed")
}
