package engine

import "errors"

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")

	// ErrOverlapSkip is returned by Enqueue when a SkipIfRunning task is
	// already queued or running. Tasks may also return an error wrapping it
	// from Run to report that they skipped themselves; the engine records
	// that as a skip rather than a failure.
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)
