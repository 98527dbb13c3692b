package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"statejob/internal/domain"
	"statejob/internal/eventbus"
	"statejob/internal/snapshot"
	logx "statejob/pkg/logx"
)

// Outcome is the result of one worker firing.
type Outcome int

const (
	OutcomeWaiting Outcome = iota
	OutcomePersisted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomePersisted:
		return "persisted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkerEvent is the payload of worker.waiting, worker.persisted and worker.failed.
type WorkerEvent struct {
	Outcome  Outcome
	ActionID string
	Seq      uint64
	Record   domain.ExecutionRecord
	Took     time.Duration
	Err      string
}

const DefaultWaitingLogEvery = 10 * time.Second

// Worker reads the shared cell and records one execution per firing.
type Worker struct {
	cell *snapshot.Cell[domain.JobParameters]
	proc Processor
	log  logx.Logger
	bus  eventbus.Bus

	waitLog *rate.Limiter
}

// NewWorker builds a worker. The "waiting for configuration" line is logged
// at info at most once per waitingLogEvery, and at debug otherwise.
func NewWorker(cell *snapshot.Cell[domain.JobParameters], proc Processor, log logx.Logger, bus eventbus.Bus, waitingLogEvery time.Duration) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if waitingLogEvery < 0 {
		waitingLogEvery = DefaultWaitingLogEvery
	}
	return &Worker{
		cell:    cell,
		proc:    proc,
		log:     log.With(logx.String("comp", "worker")),
		bus:     bus,
		waitLog: rate.NewLimiter(rate.Every(waitingLogEvery), 1),
	}
}

// SetWaitingLogEvery changes the waiting-log throttle. Zero logs every time.
func (w *Worker) SetWaitingLogEvery(d time.Duration) {
	if d < 0 {
		d = DefaultWaitingLogEvery
	}
	w.waitLog.SetLimit(rate.Every(d))
}

// Fire performs one worker firing. It never panics out: a failing
// persistence step yields OutcomeFailed together with the error.
func (w *Worker) Fire(ctx context.Context) (Outcome, error) {
	entry, ok := w.cell.LoadEntry()
	if !ok {
		if w.waitLog.Allow() {
			w.log.Info("waiting for configuration")
		} else {
			w.log.Debug("waiting for configuration")
		}
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerWaiting, Data: WorkerEvent{Outcome: OutcomeWaiting}})
		return OutcomeWaiting, nil
	}

	params := entry.Value
	start := time.Now()
	w.log.Info("executing business logic", logx.String("action_id", params.ActionID), logx.Uint64("seq", entry.Seq))

	rec, err := w.process(ctx, params.ActionID)
	ev := WorkerEvent{ActionID: params.ActionID, Seq: entry.Seq, Took: time.Since(start)}
	if err != nil {
		ev.Outcome, ev.Err = OutcomeFailed, err.Error()
		w.log.Error("business logic failed", logx.String("action_id", params.ActionID), logx.Err(err))
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerFailed, Data: ev})
		return OutcomeFailed, err
	}
	ev.Outcome, ev.Record = OutcomePersisted, rec
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerPersisted, Data: ev})
	return OutcomePersisted, nil
}

func (w *Worker) process(ctx context.Context, actionID string) (rec domain.ExecutionRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc.Process(ctx, actionID)
}

// Run adapts Fire to the task engine signature.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.Fire(ctx)
	return err
}
