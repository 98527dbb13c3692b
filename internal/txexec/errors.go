package txexec

import (
	"errors"
	"fmt"
)

var (
	// ErrContextAcquisition means the work never reached the owner goroutine.
	ErrContextAcquisition = errors.New("txexec: could not acquire execution context")

	ErrSaturated  = fmt.Errorf("%w: queue saturated", ErrContextAcquisition)
	ErrNotRunning = fmt.Errorf("%w: executor not running", ErrContextAcquisition)

	ErrAlreadyRunning = errors.New("txexec: executor already running")
	ErrWorkPanicked   = errors.New("txexec: work panicked")
)

// PersistenceError reports a failed boundary: which transaction, the state it
// ended in, and the cause.
type PersistenceError struct {
	TxID  string
	State State
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("persistence failed (%s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("persistence failed (tx=%s state=%s): %v", e.TxID, e.State, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
