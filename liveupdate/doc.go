// Package liveupdate coordinates quiescence of a running service so that its
// state can be handed to a replacement instance.
//
// # Protocol
//
// An update is a drain-then-handoff sequence:
//
//  1. Prepare(state): evaluate the readiness predicate of the requested state
//     against the live occupancy of every participant. If it does not hold,
//     ErrNotReady is returned and the caller polls again later.
//  2. On success every participant is suspended: no new work is admitted.
//  3. Handoff exports each participant's state as JSON; a new instance calls
//     Restore with the same stream.
//  4. If the update is aborted, StateChanged(old, StateNull) resumes the
//     participants and runs the rollback hook.
//
// # States
//
// The standard ladder is WorkFree, RequestFree, ProtocolFree. Services add
// custom states at or above StateCustomBase with Register. Every state that
// can be requested has a predicate; asking for an unknown state is an error,
// never an implicit "ready".
package liveupdate
