package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"statejob/internal/domain"
	"statejob/internal/eventbus"
	"statejob/internal/snapshot"
	"statejob/internal/source"
	logx "statejob/pkg/logx"
)

// ParamsEvent is the payload of params.updated and params.update_failed.
type ParamsEvent struct {
	Params domain.JobParameters
	Seq    uint64
	Took   time.Duration
	Err    string
}

// Updater fetches fresh parameters and installs them in the shared cell.
type Updater struct {
	src  source.Source
	cell *snapshot.Cell[domain.JobParameters]
	log  logx.Logger
	bus  eventbus.Bus

	running atomic.Bool
}

func NewUpdater(src source.Source, cell *snapshot.Cell[domain.JobParameters], log logx.Logger, bus eventbus.Bus) *Updater {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Updater{src: src, cell: cell, log: log.With(logx.String("comp", "updater")), bus: bus}
}

// Fire performs one update. A firing that overlaps a running one returns
// ErrFiringSkipped without contacting the source. On failure the cell keeps
// its previous value and the returned error wraps source.ErrUnavailable.
func (u *Updater) Fire(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		u.log.Debug("update already in flight; skipping")
		return ErrFiringSkipped
	}
	defer u.running.Store(false)

	start := time.Now()
	u.log.Debug("fetching parameters")
	p, err := u.src.Fetch(ctx)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		if !errors.Is(err, source.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", source.ErrUnavailable, err)
		}
		u.log.Error("parameter update failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		u.bus.Publish(eventbus.Event{Type: eventbus.TypeParamsUpdateFailed, Data: ParamsEvent{Took: time.Since(start), Err: err.Error()}})
		return err
	}

	seq := u.cell.Replace(p)
	took := time.Since(start)
	u.log.Info("parameters updated",
		logx.String("interval", p.Interval.String()),
		logx.String("action_id", p.ActionID),
		logx.Uint64("seq", seq),
		logx.Duration("took", took),
	)
	u.bus.Publish(eventbus.Event{Type: eventbus.TypeParamsUpdated, Data: ParamsEvent{Params: p, Seq: seq, Took: took}})
	return nil
}

// InFlight reports whether a firing is currently running.
func (u *Updater) InFlight() bool { return u.running.Load() }
