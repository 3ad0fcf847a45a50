package liveupdate

import (
	"context"
	"fmt"
)

// State is a live-update target state.
type State int

const (
	// StateNull means no update is in progress. Transitioning to it aborts.
	StateNull State = iota

	// StateWorkFree holds whenever the service is between two units of work.
	StateWorkFree

	// StateRequestFree holds when no request is in flight and no buffer
	// grant is outstanding.
	StateRequestFree

	// StateProtocolFree additionally requires that no asynchronous callback
	// (select notification, alarm) is pending.
	StateProtocolFree

	// StateCustomBase is the first service-defined state.
	StateCustomBase
)

// StateSelectProtocolFree is the custom state for drivers with select
// support: no request in flight and no pending select callback. Buffer grants
// may remain outstanding.
const StateSelectProtocolFree = StateCustomBase

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateWorkFree:
		return "work-free"
	case StateRequestFree:
		return "request-free"
	case StateProtocolFree:
		return "protocol-free"
	case StateSelectProtocolFree:
		return "select-protocol-free"
	}
	return fmt.Sprintf("custom-%d", int(s-StateCustomBase))
}

// IsStandard reports whether s is one of the standard ladder states.
func (s State) IsStandard() bool {
	return s >= StateWorkFree && s < StateCustomBase
}

// ParseState maps a state name as printed by String back to a State.
func ParseState(name string) (State, error) {
	for s := StateNull; s <= StateSelectProtocolFree; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateNull, fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// Occupancy summarizes in-flight work relevant to readiness.
type Occupancy struct {
	Requests  int `json:"requests"`  // Requests admitted or queued
	Grants    int `json:"grants"`    // Referenced buffers / outstanding grants
	Callbacks int `json:"callbacks"` // Pending asynchronous callbacks
}

// Add returns the sum of o and other.
func (o Occupancy) Add(other Occupancy) Occupancy {
	return Occupancy{
		Requests:  o.Requests + other.Requests,
		Grants:    o.Grants + other.Grants,
		Callbacks: o.Callbacks + other.Callbacks,
	}
}

func (o Occupancy) String() string {
	return fmt.Sprintf("requests=%d grants=%d callbacks=%d", o.Requests, o.Grants, o.Callbacks)
}

// Predicate decides readiness from the combined occupancy.
type Predicate func(Occupancy) bool

// standardPredicates is the static table for the standard ladder.
var standardPredicates = map[State]Predicate{
	StateWorkFree: func(Occupancy) bool { return true },
	StateRequestFree: func(o Occupancy) bool {
		return o.Requests == 0 && o.Grants == 0
	},
	StateProtocolFree: func(o Occupancy) bool {
		return o.Requests == 0 && o.Grants == 0 && o.Callbacks == 0
	},
	StateSelectProtocolFree: func(o Occupancy) bool {
		return o.Requests == 0 && o.Callbacks == 0
	},
}

// Participant is a component whose occupancy gates readiness and which can
// stop admitting work.
type Participant interface {
	// Name identifies the participant in logs and state images.
	Name() string

	// Occupancy reports the participant's current in-flight work.
	Occupancy() Occupancy

	// Suspend stops admitting new work. Work already admitted may finish.
	Suspend(ctx context.Context) error

	// Resume admits work again.
	Resume()
}

// Exporter is a participant whose state survives a handoff.
type Exporter interface {
	Participant

	// Export returns a JSON-marshalable snapshot. Called while suspended.
	Export() (any, error)
}

// Importer restores state exported by an Exporter with the same name.
type Importer interface {
	Name() string
	Import(data []byte) error
}
