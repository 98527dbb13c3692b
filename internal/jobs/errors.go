// Package jobs holds the two recurring tasks that share one configuration
// snapshot: the updater installs new parameters, the worker reads them and
// persists an execution record per firing.
package jobs

import (
	"errors"
	"fmt"

	"statejob/internal/task/engine"
)

var (
	// ErrFiringSkipped is returned by Updater.Fire while a previous firing is
	// still running. It wraps engine.ErrOverlapSkip so the engine records the
	// firing as skipped rather than failed.
	ErrFiringSkipped = fmt.Errorf("updater firing skipped: %w", engine.ErrOverlapSkip)

	// ErrNoConfiguration reports that the shared cell is still empty.
	// Worker.Fire itself reports this as OutcomeWaiting with a nil error.
	ErrNoConfiguration = errors.New("no configuration yet")
)
