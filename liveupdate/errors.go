package liveupdate

import "errors"

var (
	// ErrNotReady means the requested state does not hold yet. The update is
	// deferred, not failed; retry later.
	ErrNotReady = errors.New("liveupdate: not ready")

	// ErrInvalidState is returned for states without a readiness predicate.
	ErrInvalidState = errors.New("liveupdate: invalid state")

	// ErrAlreadyPrepared is returned by Prepare while a previous preparation
	// is still in effect.
	ErrAlreadyPrepared = errors.New("liveupdate: already prepared")

	// ErrNotPrepared is returned by WriteImage when no state has been prepared.
	ErrNotPrepared = errors.New("liveupdate: not prepared")

	// ErrBadImage is returned by Restore for unreadable state images.
	ErrBadImage = errors.New("liveupdate: bad state image")
)
