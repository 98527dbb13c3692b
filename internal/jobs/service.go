package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"statejob/internal/task/engine"
	"statejob/internal/task/scheduler"
	logx "statejob/pkg/logx"
)

const (
	UpdaterName = "updater"
	WorkerName  = "worker"
)

// TaskConfig sets the cadence and per-firing deadline of one task.
type TaskConfig struct {
	Every   time.Duration
	Timeout time.Duration
	Overlap engine.OverlapPolicy
}

// Config controls both recurring tasks.
//
// Defaults (when fields are zero):
//   - updater: every 10s, timeout 5s
//   - worker: every 2s, timeout 5s
type Config struct {
	Updater         TaskConfig
	Worker          TaskConfig
	WaitingLogEvery time.Duration

	// RunOnStart fires both tasks once right after Start instead of waiting
	// for the first tick.
	RunOnStart bool
}

const (
	DefaultUpdaterEvery   = 10 * time.Second
	DefaultWorkerEvery    = 2 * time.Second
	DefaultFiringDeadline = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Updater.Every <= 0 {
		c.Updater.Every = DefaultUpdaterEvery
	}
	if c.Updater.Timeout <= 0 {
		c.Updater.Timeout = DefaultFiringDeadline
	}
	// The updater never runs concurrently with itself.
	c.Updater.Overlap = engine.OverlapSkipIfRunning
	if c.Worker.Every <= 0 {
		c.Worker.Every = DefaultWorkerEvery
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = DefaultFiringDeadline
	}
	return c
}

// Service registers the updater and the worker with the scheduler.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	started bool

	sched   *scheduler.Service
	updater *Updater
	worker  *Worker
	log     logx.Logger
}

func NewService(cfg Config, sched *scheduler.Service, updater *Updater, worker *Worker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if worker != nil {
		worker.SetWaitingLogEvery(cfg.WaitingLogEvery)
	}
	return &Service{
		cfg:     cfg,
		sched:   sched,
		updater: updater,
		worker:  worker,
		log:     log.With(logx.String("comp", "jobs")),
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start registers both schedules. With RunOnStart each task is also fired
// once immediately. Nothing is registered if ctx is already done.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.registerLocked(); err != nil {
		return err
	}
	s.started = true
	s.log.Info("jobs registered",
		logx.Duration("updater_every", s.cfg.Updater.Every),
		logx.Duration("worker_every", s.cfg.Worker.Every),
		logx.String("worker_overlap", s.cfg.Worker.Overlap.String()),
	)
	if s.cfg.RunOnStart {
		for _, name := range []string{UpdaterName, WorkerName} {
			if err := s.sched.RunNow(name); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
				s.log.Warn("initial run failed to enqueue", logx.String("task", name), logx.Err(err))
			}
		}
	}
	return nil
}

// Apply swaps the configuration. Running schedules are re-registered when
// cadence, deadline or overlap changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.worker != nil {
		s.worker.SetWaitingLogEvery(cfg.WaitingLogEvery)
	}
	if !s.started || (old.Updater == cfg.Updater && old.Worker == cfg.Worker) {
		return nil
	}
	if err := s.registerLocked(); err != nil {
		return err
	}
	s.log.Info("jobs rescheduled",
		logx.Duration("updater_every", cfg.Updater.Every),
		logx.Duration("worker_every", cfg.Worker.Every),
	)
	return nil
}

// Stop removes both schedules. Firings already queued still run.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.sched.Remove(UpdaterName)
	s.sched.Remove(WorkerName)
	s.started = false
}

func (s *Service) registerLocked() error {
	if s.sched == nil || s.updater == nil || s.worker == nil {
		return errors.New("jobs: scheduler, updater and worker are required")
	}
	u, w := s.cfg.Updater, s.cfg.Worker
	if _, err := s.sched.AddIntervalOpt(UpdaterName, u.Every, u.Timeout, engine.TaskOptions{Overlap: u.Overlap}, s.updater.Fire); err != nil {
		return fmt.Errorf("register %s: %w", UpdaterName, err)
	}
	if _, err := s.sched.AddIntervalOpt(WorkerName, w.Every, w.Timeout, engine.TaskOptions{Overlap: w.Overlap}, s.worker.Run); err != nil {
		return fmt.Errorf("register %s: %w", WorkerName, err)
	}
	return nil
}
