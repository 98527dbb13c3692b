package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statejob/internal/domain"
	"statejob/internal/eventbus"
	"statejob/internal/snapshot"
	"statejob/internal/source"
	"statejob/internal/storage"
	"statejob/internal/task/engine"
	"statejob/internal/txexec"
	logx "statejob/pkg/logx"
)

var action007 = domain.JobParameters{Interval: domain.ISODuration(10 * time.Second), ActionID: "ACTION_007"}

func startExecutor(t *testing.T) *txexec.Executor {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exec := txexec.New(txexec.Config{}, db, logx.Nop(), nil)
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
		_ = db.Close()
	})
	return exec
}

func listRecords(t *testing.T, exec *txexec.Executor) []domain.ExecutionRecord {
	t.Helper()
	recs, err := txexec.Run(context.Background(), exec, func(ctx context.Context, tx *storage.Tx) ([]domain.ExecutionRecord, error) {
		return storage.Records(tx).List(ctx, 0)
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return recs
}

// countingProcessor records every call and returns a canned result.
type countingProcessor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *countingProcessor) Process(_ context.Context, actionID string) (domain.ExecutionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, actionID)
	if p.err != nil {
		return domain.ExecutionRecord{}, p.err
	}
	return domain.ExecutionRecord{ID: int64(len(p.calls)), ParamsUsed: actionID, Timestamp: time.Now().UTC()}, nil
}

func (p *countingProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestUpdaterInstallsFetchedParameters(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	cell := snapshot.New[domain.JobParameters]()
	u := NewUpdater(source.Static(action007), cell, logx.Nop(), bus)
	if err := u.Fire(context.Background()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	got, ok := cell.Load()
	if !ok || got != action007 {
		t.Fatalf("cell = %+v, %v; want %+v", got, ok, action007)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeParamsUpdated {
			t.Fatalf("event = %s", ev.Type)
		}
		if pe := ev.Data.(ParamsEvent); pe.Seq != 1 || pe.Params.ActionID != "ACTION_007" {
			t.Fatalf("payload = %+v", pe)
		}
	case <-time.After(time.Second):
		t.Fatal("no params.updated event")
	}
}

func TestUpdaterFailureLeavesCellUntouched(t *testing.T) {
	t.Parallel()
	cell := snapshot.New[domain.JobParameters]()
	cell.Replace(action007)

	fail := true
	src := source.Func(func(context.Context) (domain.JobParameters, error) {
		if fail {
			return domain.JobParameters{}, errors.New("upstream down")
		}
		return domain.JobParameters{Interval: domain.ISODuration(20 * time.Second), ActionID: "ACTION_042"}, nil
	})
	u := NewUpdater(src, cell, logx.Nop(), nil)

	err := u.Fire(context.Background())
	if !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Fire err = %v, want ErrUnavailable", err)
	}
	if got, _ := cell.Load(); got != action007 {
		t.Fatalf("cell changed on failure: %+v", got)
	}
	if cell.Seq() != 1 {
		t.Fatalf("Seq = %d, want 1", cell.Seq())
	}

	fail = false
	if err := u.Fire(context.Background()); err != nil {
		t.Fatalf("Fire after recovery: %v", err)
	}
	if got, _ := cell.Load(); got.ActionID != "ACTION_042" {
		t.Fatalf("cell = %+v, want ACTION_042", got)
	}
}

func TestUpdaterInvalidSnapshotIsRejected(t *testing.T) {
	t.Parallel()
	cell := snapshot.New[domain.JobParameters]()
	bad := staticSource{p: domain.JobParameters{ActionID: ""}}
	u := NewUpdater(bad, cell, logx.Nop(), nil)
	if err := u.Fire(context.Background()); !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Fire err = %v, want ErrUnavailable", err)
	}
	if _, ok := cell.Load(); ok {
		t.Fatal("invalid snapshot installed")
	}
}

type staticSource struct{ p domain.JobParameters }

func (s staticSource) Fetch(context.Context) (domain.JobParameters, error) { return s.p, nil }

func TestUpdaterSkipsOverlappingFiring(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	src := source.Func(func(context.Context) (domain.JobParameters, error) {
		if fetches.Add(1) == 1 {
			close(entered)
			<-release
		}
		return action007, nil
	})
	u := NewUpdater(src, snapshot.New[domain.JobParameters](), logx.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- u.Fire(context.Background()) }()
	<-entered

	err := u.Fire(context.Background())
	if !errors.Is(err, ErrFiringSkipped) || !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("overlapping Fire err = %v, want ErrFiringSkipped", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Fire: %v", err)
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}
}

func TestWorkerWaitsWhileCellEmpty(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	proc := &countingProcessor{}
	w := NewWorker(snapshot.New[domain.JobParameters](), proc, logx.Nop(), bus, time.Hour)
	for i := 0; i < 5; i++ {
		out, err := w.Fire(context.Background())
		if out != OutcomeWaiting || err != nil {
			t.Fatalf("Fire #%d = %v, %v; want waiting, nil", i, out, err)
		}
	}
	if n := len(proc.Calls()); n != 0 {
		t.Fatalf("processor calls = %d, want 0", n)
	}
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeWorkerWaiting {
				t.Fatalf("event = %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing waiting event #%d", i)
		}
	}
}

func TestWorkerProcessesOncePerFiring(t *testing.T) {
	t.Parallel()
	cell := snapshot.New[domain.JobParameters]()
	cell.Replace(action007)
	proc := &countingProcessor{}
	w := NewWorker(cell, proc, logx.Nop(), nil, 0)

	for i := 1; i <= 3; i++ {
		out, err := w.Fire(context.Background())
		if out != OutcomePersisted || err != nil {
			t.Fatalf("Fire = %v, %v", out, err)
		}
		if got := len(proc.Calls()); got != i {
			t.Fatalf("calls after %d firings = %d", i, got)
		}
	}
	cell.Replace(domain.JobParameters{Interval: domain.ISODuration(15 * time.Second), ActionID: "ACTION_123"})
	if _, err := w.Fire(context.Background()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	calls := proc.Calls()
	if calls[len(calls)-1] != "ACTION_123" {
		t.Fatalf("last call = %q, want ACTION_123", calls[len(calls)-1])
	}
}

func TestWorkerFailureIsReported(t *testing.T) {
	t.Parallel()
	cell := snapshot.New[domain.JobParameters]()
	cell.Replace(action007)
	boom := errors.New("db down")
	w := NewWorker(cell, &countingProcessor{err: boom}, logx.Nop(), nil, 0)

	out, err := w.Fire(context.Background())
	if out != OutcomeFailed || !errors.Is(err, boom) {
		t.Fatalf("Fire = %v, %v; want failed, db down", out, err)
	}
	if err := w.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v", err)
	}
}

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, string) (domain.ExecutionRecord, error) {
	panic("kaboom")
}

func TestWorkerRecoversProcessorPanic(t *testing.T) {
	t.Parallel()
	cell := snapshot.New[domain.JobParameters]()
	cell.Replace(action007)
	w := NewWorker(cell, panickingProcessor{}, logx.Nop(), nil, 0)
	if out, err := w.Fire(context.Background()); out != OutcomeFailed || err == nil {
		t.Fatalf("Fire = %v, %v; want failed", out, err)
	}
}

func TestEndToEndActionRecorded(t *testing.T) {
	t.Parallel()
	exec := startExecutor(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecorder(exec, logx.Nop()).WithClock(func() time.Time { return fixed })

	cell := snapshot.New[domain.JobParameters]()
	u := NewUpdater(source.Static(action007), cell, logx.Nop(), nil)
	w := NewWorker(cell, rec, logx.Nop(), nil, 0)
	ctx := context.Background()

	if out, err := w.Fire(ctx); out != OutcomeWaiting || err != nil {
		t.Fatalf("Fire before update = %v, %v", out, err)
	}
	if n := len(listRecords(t, exec)); n != 0 {
		t.Fatalf("records before update = %d", n)
	}

	if err := u.Fire(ctx); err != nil {
		t.Fatalf("updater Fire: %v", err)
	}
	if out, err := w.Fire(ctx); out != OutcomePersisted || err != nil {
		t.Fatalf("worker Fire = %v, %v", out, err)
	}
	recs := listRecords(t, exec)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].ParamsUsed != "ACTION_007" || recs[0].ID <= 0 || !recs[0].Timestamp.Equal(fixed) {
		t.Fatalf("record = %+v", recs[0])
	}

	if _, err := w.Fire(ctx); err != nil {
		t.Fatalf("second worker Fire: %v", err)
	}
	recs = listRecords(t, exec)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].ID == recs[1].ID {
		t.Fatalf("duplicate ids: %+v", recs)
	}
}

func TestFailedBoundaryLeavesNoRecord(t *testing.T) {
	t.Parallel()
	exec := startExecutor(t)
	rec := NewRecorder(exec, logx.Nop())
	ctx := context.Background()

	boom := errors.New("after append")
	err := exec.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if !exec.OnContext(ctx) {
			return errors.New("work not on executor context")
		}
		if _, err := rec.Process(ctx, "ACTION_001"); err != nil {
			return err
		}
		return boom
	})
	var pe *txexec.PersistenceError
	if !errors.As(err, &pe) || pe.State != txexec.StateRolledBack || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want rolled back persistence error", err)
	}
	if n := len(listRecords(t, exec)); n != 0 {
		t.Fatalf("records after rollback = %d, want 0", n)
	}

	long := make([]byte, domain.MaxParamsUsedLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := rec.Process(ctx, string(long)); err == nil {
		t.Fatal("expected error for oversized action id")
	}

	// The executor keeps serving after failures.
	if _, err := rec.Process(ctx, "ACTION_002"); err != nil {
		t.Fatalf("Process after failures: %v", err)
	}
	if n := len(listRecords(t, exec)); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}
