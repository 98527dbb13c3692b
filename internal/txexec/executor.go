// Package txexec runs storage work on the single goroutine that owns the
// database handle, each unit inside its own transaction.
package txexec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"statejob/internal/eventbus"
	"statejob/internal/storage"
	logx "statejob/pkg/logx"
)

// Work runs inside a transaction. tx must not be retained after Work returns.
// Nested calls must pass ctx through so they join the open transaction.
type Work func(ctx context.Context, tx *storage.Tx) error

// Config controls queueing and deadlines.
//
// Defaults (when fields are zero):
//   - queue_size: 64
//   - submit_timeout: 1s
//   - work_timeout: 5s
type Config struct {
	QueueSize     int
	SubmitTimeout time.Duration
	WorkTimeout   time.Duration
}

const (
	DefaultQueueSize     = 64
	DefaultSubmitTimeout = time.Second
	DefaultWorkTimeout   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.WorkTimeout <= 0 {
		c.WorkTimeout = DefaultWorkTimeout
	}
	return c
}

// TxEvent is published on the bus for every boundary outcome.
type TxEvent struct {
	TxID     string
	State    State
	Duration time.Duration
	Err      string
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Running    bool   `json:"running"`
	QueueLen   int    `json:"queue_len"`
	QueueCap   int    `json:"queue_cap"`
	Committed  uint64 `json:"committed"`
	RolledBack uint64 `json:"rolled_back"`
	Rejected   uint64 `json:"rejected"`
}

const (
	reqPending int32 = iota
	reqTaken
	reqAbandoned
)

type request struct {
	ctx  context.Context
	work Work
	done chan error

	// state moves from pending to exactly one of taken (owner) or
	// abandoned (caller stopped waiting).
	state atomic.Int32
}

func (r *request) take() bool    { return r.state.CompareAndSwap(reqPending, reqTaken) }
func (r *request) abandon() bool { return r.state.CompareAndSwap(reqPending, reqAbandoned) }

type boundaryKey struct{}

// boundary marks a context as belonging to an open transaction on the owner.
type boundary struct {
	exec *Executor
	tx   *storage.Tx
	id   string
}

// Executor owns a *storage.DB. Only its owner goroutine (Serve) touches it.
type Executor struct {
	cfg Config
	db  *storage.DB
	log logx.Logger
	bus eventbus.Bus

	queue chan *request

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	exited  chan struct{}
	cancel  context.CancelFunc

	committed  atomic.Uint64
	rolledBack atomic.Uint64
	rejected   atomic.Uint64
}

func New(cfg Config, db *storage.DB, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:   cfg,
		db:    db,
		log:   log.With(logx.String("comp", "txexec")),
		bus:   bus,
		queue: make(chan *request, cfg.QueueSize),
	}
}

// Start runs Serve on a new goroutine. The executor accepts work as soon as
// Start returns.
func (e *Executor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	stop, exited, err := e.claim()
	if err != nil {
		cancel()
		return err
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	go e.serve(ctx, stop, exited)
	return nil
}

// Serve runs the owner loop on the calling goroutine until ctx ends or Stop
// is called. Requests still queued when it returns fail with ErrNotRunning.
func (e *Executor) Serve(ctx context.Context) error {
	stop, exited, err := e.claim()
	if err != nil {
		return err
	}
	e.serve(ctx, stop, exited)
	return nil
}

// Stop ends the owner loop and waits for it to exit.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	exited, cancel := e.exited, e.cancel
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) claim() (chan struct{}, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, nil, ErrAlreadyRunning
	}
	e.running = true
	e.stop = make(chan struct{})
	e.exited = make(chan struct{})
	e.cancel = nil
	return e.stop, e.exited, nil
}

func (e *Executor) serve(ctx context.Context, stop, exited chan struct{}) {
	e.log.Info("executor started", logx.Int("queue_size", e.cfg.QueueSize))
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.drain()
		close(exited)
		e.log.Info("executor stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case req := <-e.queue:
			e.handle(req)
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case req := <-e.queue:
			if !req.take() {
				continue
			}
			e.rejected.Add(1)
			req.done <- &PersistenceError{State: StateRequested, Err: ErrNotRunning}
		default:
			return
		}
	}
}

// OnContext reports whether ctx belongs to an open boundary of this executor.
func (e *Executor) OnContext(ctx context.Context) bool {
	b := boundaryFrom(ctx)
	return b != nil && b.exec == e && !b.tx.Closed()
}

// TxID returns the transaction id of the boundary ctx belongs to, if any.
func TxID(ctx context.Context) (string, bool) {
	b := boundaryFrom(ctx)
	if b == nil {
		return "", false
	}
	return b.id, true
}

func boundaryFrom(ctx context.Context) *boundary {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(boundaryKey{}).(*boundary)
	return b
}

// RunInTransaction runs work inside a transaction on the owner goroutine and
// returns its outcome. Called from within an open boundary (with that
// boundary's ctx) it joins the existing transaction instead.
func (e *Executor) RunInTransaction(ctx context.Context, work Work) error {
	if work == nil {
		return nil
	}
	if b := boundaryFrom(ctx); b != nil && b.exec == e && !b.tx.Closed() {
		return work(ctx, b.tx)
	}
	if err := ctx.Err(); err != nil {
		return e.reject(err)
	}

	e.mu.Lock()
	running, stop, exited := e.running, e.stop, e.exited
	e.mu.Unlock()
	if !running {
		return e.reject(ErrNotRunning)
	}

	req := &request{ctx: ctx, work: work, done: make(chan error, 1)}

	timer := time.NewTimer(e.cfg.SubmitTimeout)
	select {
	case e.queue <- req:
		timer.Stop()
	case <-timer.C:
		return e.reject(ErrSaturated)
	case <-stop:
		timer.Stop()
		return e.reject(ErrNotRunning)
	case <-ctx.Done():
		timer.Stop()
		return e.reject(ctx.Err())
	}

	select {
	case err := <-req.done:
		return err
	case <-exited:
		if req.abandon() {
			return e.reject(ErrNotRunning)
		}
	case <-ctx.Done():
		if req.abandon() {
			return e.reject(ctx.Err())
		}
	}
	// The owner took the request first. Its work context derives from ctx,
	// so the reply follows promptly.
	return <-req.done
}

func (e *Executor) reject(cause error) error {
	e.rejected.Add(1)
	err := &PersistenceError{State: StateRequested, Err: cause}
	e.log.Warn("persistence request rejected", logx.Err(cause))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeTxRejected, Data: TxEvent{State: StateRequested, Err: cause.Error()}})
	return err
}

// handle runs one request. It replies on req.done unless the caller
// abandoned it while queued.
func (e *Executor) handle(req *request) {
	if !req.take() {
		e.log.Debug("skipping abandoned request")
		return
	}
	id := uuid.NewString()
	start := time.Now()
	log := e.log.With(logx.String("tx_id", id))
	log.Trace("tx state", logx.String("state", StateRequested.String()))

	var (
		state = StateRequested
		err   error
	)
	defer func() {
		log.Trace("tx state", logx.String("state", StateReleased.String()), logx.String("outcome", state.String()))
		if err != nil {
			req.done <- &PersistenceError{TxID: id, State: state, Err: err}
			return
		}
		req.done <- nil
	}()

	if cerr := req.ctx.Err(); cerr != nil {
		e.rejected.Add(1)
		err = cerr
		log.Debug("caller gone before transaction opened", logx.Err(cerr))
		return
	}

	state = StateContextAcquired
	log.Trace("tx state", logx.String("state", state.String()))

	wctx, cancel := context.WithTimeout(req.ctx, e.cfg.WorkTimeout)
	defer cancel()

	tx, berr := e.db.Begin(wctx)
	if berr != nil {
		state, err = StateRolledBack, berr
		e.finish(log, id, state, start, err)
		return
	}
	state = StateTransactionOpen
	log.Trace("tx state", logx.String("state", state.String()))

	wctx = context.WithValue(wctx, boundaryKey{}, &boundary{exec: e, tx: tx, id: id})
	err = invoke(wctx, tx, req.work)
	if err == nil {
		err = wctx.Err()
	}

	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Warn("rollback failed", logx.Err(rerr))
		}
		state = StateRolledBack
	} else if cerr := tx.Commit(); cerr != nil {
		state, err = StateRolledBack, fmt.Errorf("commit: %w", cerr)
	} else {
		state = StateCommitted
	}
	e.finish(log, id, state, start, err)
}

func (e *Executor) finish(log logx.Logger, id string, state State, start time.Time, err error) {
	took := time.Since(start)
	ev := TxEvent{TxID: id, State: state, Duration: took}
	switch state {
	case StateCommitted:
		e.committed.Add(1)
		log.Trace("tx state", logx.String("state", state.String()), logx.Duration("took", took))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTxCommitted, Data: ev})
	default:
		e.rolledBack.Add(1)
		if err != nil {
			ev.Err = err.Error()
		}
		log.Warn("transaction rolled back", logx.Duration("took", took), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTxRolledBack, Data: ev})
	}
}

func invoke(ctx context.Context, tx *storage.Tx, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrWorkPanicked, r, debug.Stack())
		}
	}()
	return work(ctx, tx)
}

// Run is RunInTransaction for work that produces a value.
func Run[T any](ctx context.Context, e *Executor, fn func(ctx context.Context, tx *storage.Tx) (T, error)) (T, error) {
	var out T
	err := e.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	return Stats{
		Running:    running,
		QueueLen:   len(e.queue),
		QueueCap:   cap(e.queue),
		Committed:  e.committed.Load(),
		RolledBack: e.rolledBack.Load(),
		Rejected:   e.rejected.Load(),
	}
}
