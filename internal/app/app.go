package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"statejob/internal/config"
	"statejob/internal/domain"
	"statejob/internal/eventbus"
	"statejob/internal/jobs"
	"statejob/internal/metrics"
	"statejob/internal/observability/admin"
	"statejob/internal/snapshot"
	"statejob/internal/source"
	"statejob/internal/storage"
	"statejob/internal/task/engine"
	"statejob/internal/task/scheduler"
	"statejob/internal/txexec"
	logx "statejob/pkg/logx"
	"statejob/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db   *storage.DB
	exec *txexec.Executor

	engine *engine.Service
	sched  *scheduler.Service

	cell *snapshot.Cell[domain.JobParameters]
	src  *source.Mock
	jobs *jobs.Service

	metrics  *metrics.Metrics
	registry *prometheus.Registry
	admin    *admin.Service

	notify *systemd.Notifier
}

// Status is the JSON document served at /status.
type Status struct {
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Executor   txexec.Stats       `json:"executor"`
	Params     *ParamsStatus      `json:"params,omitempty"`
	Goroutines any                `json:"goroutines,omitempty"`
}

type ParamsStatus struct {
	Interval string    `json:"interval"`
	ActionID string    `json:"actionId"`
	Seq      uint64    `json:"seq"`
	StoredAt time.Time `json:"storedAt"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	db, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	xc, _ := mapExecutorConfig(cfg)
	exec := txexec.New(xc, db, log, bus)

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log, bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log, bus)

	mc, _ := mapSourceConfig(cfg)
	src := source.NewMock(mc, log)
	if cfg.Source.Seed != 0 {
		src = src.WithSeed(cfg.Source.Seed)
	}

	jc, _ := mapJobsConfig(cfg)
	cell := snapshot.New[domain.JobParameters]()
	updater := jobs.NewUpdater(src, cell, log, bus)
	recorder := jobs.NewRecorder(exec, log)
	worker := jobs.NewWorker(cell, recorder, log, bus, jc.WaitingLogEvery)
	jobsSvc := jobs.NewService(jc, schedSvc, updater, worker, log)

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		_ = db.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if err := metrics.RegisterExecutorStats(reg, exec.Stats); err != nil {
		_ = db.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		db:       db,
		exec:     exec,
		engine:   engineSvc,
		sched:    schedSvc,
		cell:     cell,
		src:      src,
		jobs:     jobsSvc,
		metrics:  m,
		registry: reg,
		notify:   systemd.NewNotifier(log),
	}

	ac, _ := mapAdminConfig(cfg)
	a.admin = admin.New(ac, admin.Handlers{
		Metrics: metrics.Handler(reg),
		Health:  a.Health,
		Status:  func() any { return a.Status() },
	}, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health reports whether records can still be persisted.
func (a *App) Health(ctx context.Context) error {
	if !a.exec.Stats().Running {
		return errors.New("executor not running")
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (a *App) Status() Status {
	st := Status{
		Scheduler: a.sched.Snapshot(),
		Executor:  a.exec.Stats(),
	}
	if e, ok := a.cell.LoadEntry(); ok {
		st.Params = &ParamsStatus{
			Interval: e.Value.Interval.String(),
			ActionID: e.Value.ActionID,
			Seq:      e.Seq,
			StoredAt: e.StoredAt,
		}
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

// Params returns the installed job parameters, if any.
func (a *App) Params() (domain.JobParameters, bool) { return a.cell.Load() }

// Executor exposes the transactional executor (records inspection, tests).
func (a *App) Executor() *txexec.Executor { return a.exec }

// Gatherer exposes the metrics registry served at /metrics.
func (a *App) Gatherer() prometheus.Gatherer { return a.registry }

// AdminAddr returns the bound admin address, or "" when the server is off.
func (a *App) AdminAddr() string { return a.admin.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return ValidateConfig(cfg)
	})

	// The executor owns the database handle; a panic in its loop restarts it.
	a.sup.GoRestart("txexec.serve", a.exec.Serve, WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	if err := a.waitExecutor(ctx, 2*time.Second); err != nil {
		return err
	}
	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.jobs.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Trace-level: the worker fires every few seconds.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.notify.Watchdog(c, func() error { return a.Health(c) })
	})

	a.notify.Ready()
	a.log.Info("app started")
	return nil
}

func (a *App) waitExecutor(ctx context.Context, max time.Duration) error {
	deadline := time.Now().Add(max)
	for !a.exec.Stats().Running {
		if time.Now().After(deadline) {
			return errors.New("executor did not start")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// applyConfig pushes a committed config into the running components.
// Storage and executor settings only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if mc, err := mapSourceConfig(next); err != nil {
		a.log.Warn("invalid source config; keeping previous", logx.Err(err))
	} else {
		a.src.Apply(mc)
	}

	// apply scheduler/taskengine updates (live)
	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		newEngCfg.Enabled = prevEngEnabled
	} else {
		a.engine.Apply(ctx, newEngCfg)
	}
	schedCfg := mapSchedulerConfig(next)
	a.sched.Apply(schedCfg)

	// scheduler first on shutdown; engine first on startup
	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if jc, err := mapJobsConfig(next); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else if err := a.jobs.Apply(jc); err != nil {
		a.log.Warn("jobs reschedule failed", logx.Err(err))
	}

	if ac, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then the pool, then the executor they feed.
	step("jobs", time.Second, func(context.Context) error { a.jobs.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("executor", 2*time.Second, func(c context.Context) error { return a.exec.Stop(c) })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, metrics, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
