package txexec

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"statejob/internal/domain"
	"statejob/internal/eventbus"
	"statejob/internal/storage"
	logx "statejob/pkg/logx"
)

func newTestExecutor(t *testing.T, cfg Config, bus eventbus.Bus) *Executor {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tx.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	e := New(cfg, db, logx.Nop(), bus)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
		_ = db.Close()
	})
	return e
}

func appendRecord(params string) func(ctx context.Context, tx *storage.Tx) (domain.ExecutionRecord, error) {
	return func(ctx context.Context, tx *storage.Tx) (domain.ExecutionRecord, error) {
		rec, err := domain.NewExecutionRecord(params, time.Now())
		if err != nil {
			return domain.ExecutionRecord{}, err
		}
		if err := storage.Records(tx).Append(ctx, &rec); err != nil {
			return domain.ExecutionRecord{}, err
		}
		return rec, nil
	}
}

func countRecords(t *testing.T, e *Executor) int64 {
	t.Helper()
	n, err := Run(context.Background(), e, func(ctx context.Context, tx *storage.Tx) (int64, error) {
		return storage.Records(tx).Count(ctx)
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestRunCommitsOnOwnerContext(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)
	ctx := context.Background()

	if e.OnContext(ctx) {
		t.Fatal("caller context reported as owner context")
	}

	var sawOwner bool
	var txID string
	rec, err := Run(ctx, e, func(ctx context.Context, tx *storage.Tx) (domain.ExecutionRecord, error) {
		sawOwner = e.OnContext(ctx)
		txID, _ = TxID(ctx)
		return appendRecord("ACTION_007")(ctx, tx)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawOwner {
		t.Fatal("work did not run on the owner context")
	}
	if txID == "" {
		t.Fatal("boundary has no transaction id")
	}
	if rec.ID <= 0 || rec.ParamsUsed != "ACTION_007" {
		t.Fatalf("record = %+v", rec)
	}
	if got := countRecords(t, e); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if s := e.Stats(); s.Committed != 2 || s.RolledBack != 0 || !s.Running {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRollbackOnWorkError(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)
	ctx := context.Background()
	boom := errors.New("append exploded")

	err := e.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := appendRecord("ACTION_001")(ctx, tx); err != nil {
			return err
		}
		return boom
	})

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T %v, want *PersistenceError", err, err)
	}
	if pe.State != StateRolledBack || pe.TxID == "" || !errors.Is(err, boom) {
		t.Fatalf("PersistenceError = %+v", pe)
	}
	if got := countRecords(t, e); got != 0 {
		t.Fatalf("count after rollback = %d, want 0", got)
	}

	// The executor keeps serving after a failure.
	if _, err := Run(ctx, e, appendRecord("ACTION_002")); err != nil {
		t.Fatalf("Run after rollback: %v", err)
	}
	if got := countRecords(t, e); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestRollbackOnPanic(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)

	err := e.RunInTransaction(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		if _, err := appendRecord("ACTION_001")(ctx, tx); err != nil {
			return err
		}
		panic("mid-write")
	})
	if !errors.Is(err, ErrWorkPanicked) {
		t.Fatalf("err = %v, want ErrWorkPanicked", err)
	}
	if got := countRecords(t, e); got != 0 {
		t.Fatalf("count after panic = %d, want 0", got)
	}
}

func TestNestedCallJoinsTransaction(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)
	ctx := context.Background()

	var outerTx, innerTx *storage.Tx
	err := e.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		outerTx = tx
		_, err := Run(ctx, e, func(ctx context.Context, tx *storage.Tx) (domain.ExecutionRecord, error) {
			innerTx = tx
			return appendRecord("ACTION_NESTED")(ctx, tx)
		})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if outerTx == nil || outerTx != innerTx {
		t.Fatal("nested call did not join the outer transaction")
	}
	if s := e.Stats(); s.Committed != 1 {
		t.Fatalf("committed = %d, want 1 boundary", s.Committed)
	}

	// A nested failure rolls back the whole boundary.
	err = e.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := appendRecord("ACTION_OUTER")(ctx, tx); err != nil {
			return err
		}
		return e.RunInTransaction(ctx, func(context.Context, *storage.Tx) error {
			return errors.New("inner failed")
		})
	})
	if err == nil {
		t.Fatal("expected nested failure to surface")
	}
	if got := countRecords(t, e); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestTxClosedAfterBoundary(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)

	var leaked *storage.Tx
	if err := e.RunInTransaction(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		leaked = tx
		return nil
	}); err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	rec, _ := domain.NewExecutionRecord("ACTION_LEAK", time.Now())
	if err := storage.Records(leaked).Append(context.Background(), &rec); !errors.Is(err, storage.ErrTxClosed) {
		t.Fatalf("use after boundary err = %v, want ErrTxClosed", err)
	}
}

func TestNotRunning(t *testing.T) {
	t.Parallel()
	e := New(Config{}, nil, logx.Nop(), nil)

	err := e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return nil })
	if !errors.Is(err, ErrNotRunning) || !errors.Is(err, ErrContextAcquisition) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.State != StateRequested {
		t.Fatalf("err = %#v, want *PersistenceError in Requested", err)
	}
	if e.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", e.Stats().Rejected)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return nil })
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestSaturated(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{QueueSize: 1, SubmitTimeout: 20 * time.Millisecond, WorkTimeout: 10 * time.Second}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the owner goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.RunInTransaction(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Fill the queue.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return nil })
	}()
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().QueueLen < 1 {
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
		time.Sleep(time.Millisecond)
	}

	err := e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return nil })
	if !errors.Is(err, ErrSaturated) || !errors.Is(err, ErrContextAcquisition) {
		t.Fatalf("err = %v, want ErrSaturated", err)
	}

	close(release)
	wg.Wait()
}

func TestCallerContextAlreadyDone(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := e.RunInTransaction(ctx, func(context.Context, *storage.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Fatal("work ran for a canceled caller")
	}
}

func TestCallerDeadlineWhileQueued(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{WorkTimeout: 10 * time.Second}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.RunInTransaction(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err := Run(ctx, e, appendRecord("ACTION_LATE"))
	took := time.Since(begin)

	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.State != StateRequested || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want Requested with DeadlineExceeded", err)
	}
	if took > time.Second {
		t.Fatalf("returned after %v, want close to the caller deadline", took)
	}

	close(release)
	wg.Wait()
	if n := countRecords(t, e); n != 0 {
		t.Fatalf("records = %d, abandoned work must not commit", n)
	}
}

func TestAbandonedRequestSkippedAfterRestart(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tx.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	e := New(Config{}, db, logx.Nop(), nil)

	ran := false
	stale := &request{ctx: context.Background(), done: make(chan error, 1), work: func(context.Context, *storage.Tx) error {
		ran = true
		return nil
	}}
	e.queue <- stale
	if !stale.abandon() {
		t.Fatal("abandon failed on a pending request")
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	if n := countRecords(t, e); n != 0 {
		t.Fatalf("records = %d", n)
	}
	if ran {
		t.Fatal("owner ran a request its caller had abandoned")
	}
	select {
	case err := <-stale.done:
		t.Fatalf("abandoned request got a reply: %v", err)
	default:
	}
}

func TestWorkTimeoutRollsBack(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, Config{WorkTimeout: 30 * time.Millisecond}, nil)

	err := e.RunInTransaction(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.State != StateRolledBack || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want rolled back with DeadlineExceeded", err)
	}
}

func TestPublishesOutcomeEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	e := newTestExecutor(t, Config{}, bus)

	_ = e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return nil })
	_ = e.RunInTransaction(context.Background(), func(context.Context, *storage.Tx) error { return errors.New("x") })

	want := []string{eventbus.TypeTxCommitted, eventbus.TypeTxRolledBack}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Fatalf("event = %q, want %q", ev.Type, w)
			}
			if te, ok := ev.Data.(TxEvent); !ok || te.TxID == "" {
				t.Fatalf("event data = %#v", ev.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %q event", w)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateRequested:       "requested",
		StateContextAcquired: "context_acquired",
		StateTransactionOpen: "transaction_open",
		StateCommitted:       "committed",
		StateRolledBack:      "rolled_back",
		StateReleased:        "released",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if !StateCommitted.Terminal() || StateReleased.Terminal() {
		t.Fatal("Terminal() mismatch")
	}
}
