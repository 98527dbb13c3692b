package app

import (
	"fmt"
	"strings"
	"time"

	"statejob/internal/config"
	"statejob/internal/domain"
	"statejob/internal/jobs"
	"statejob/internal/observability/admin"
	"statejob/internal/source"
	"statejob/internal/storage"
	"statejob/internal/task/engine"
	"statejob/internal/task/scheduler"
	"statejob/internal/txexec"
	logx "statejob/pkg/logx"
)

// ValidateConfig checks everything the mappers would reject, so a bad file
// fails `config check` and a bad hot reload is never committed.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 2
	queueSize := 256
	historySize := 200
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
		}
		// Scheduler triggers with nothing to run them would only fill the log.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	updater, err := mapTaskConfig("jobs.updater", cfg.Jobs.Updater, jobs.DefaultUpdaterEvery)
	if err != nil {
		return jobs.Config{}, err
	}
	if p := strings.TrimSpace(cfg.Jobs.Updater.Overlap); p != "" && updater.Overlap != engine.OverlapSkipIfRunning {
		return jobs.Config{}, fmt.Errorf("jobs.updater.overlap: the updater only supports %q", engine.OverlapSkipIfRunning.String())
	}
	worker, err := mapTaskConfig("jobs.worker", cfg.Jobs.Worker, jobs.DefaultWorkerEvery)
	if err != nil {
		return jobs.Config{}, err
	}
	waitEvery, err := parseDurationOrDefault("jobs.worker.waiting_log_every", cfg.Jobs.Worker.WaitingLogEvery, jobs.DefaultWaitingLogEvery)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Updater:         updater,
		Worker:          worker,
		WaitingLogEvery: waitEvery,
		RunOnStart:      cfg.Jobs.RunOnStart,
	}, nil
}

func mapTaskConfig(path string, jc config.JobConfig, defEvery time.Duration) (jobs.TaskConfig, error) {
	every := defEvery
	if raw := strings.TrimSpace(jc.Every); raw != "" {
		ps, err := scheduler.ParseSchedule(raw)
		if err != nil {
			return jobs.TaskConfig{}, fmt.Errorf("%s.every: %w", path, err)
		}
		if ps.Every <= 0 {
			return jobs.TaskConfig{}, fmt.Errorf("%s.every: %q is not an interval", path, raw)
		}
		every = ps.Every
	}
	timeout, err := parseDurationOrDefault(path+".timeout", jc.Timeout, jobs.DefaultFiringDeadline)
	if err != nil {
		return jobs.TaskConfig{}, err
	}
	overlap, err := engine.ParseOverlapPolicy(jc.Overlap)
	if err != nil {
		return jobs.TaskConfig{}, fmt.Errorf("%s.overlap: %w", path, err)
	}
	return jobs.TaskConfig{Every: every, Timeout: timeout, Overlap: overlap}, nil
}

func mapSourceConfig(cfg *config.Config) (source.MockConfig, error) {
	sc := cfg.Source
	// A negative latency is allowed here: it switches the simulated delay off.
	latency, err := domain.ParseFlexibleDuration(sc.Latency)
	if err != nil {
		return source.MockConfig{}, fmt.Errorf("source.latency: invalid duration %q: %w", sc.Latency, err)
	}
	if latency < 0 {
		latency = -1
	}
	imin, err := parseDurationField("source.interval_min", sc.IntervalMin)
	if err != nil {
		return source.MockConfig{}, err
	}
	imax, err := parseDurationField("source.interval_max", sc.IntervalMax)
	if err != nil {
		return source.MockConfig{}, err
	}
	if imin > 0 && imax > 0 && imax < imin {
		return source.MockConfig{}, fmt.Errorf("source.interval_max must be >= source.interval_min")
	}
	if sc.ActionIDMin < 0 || sc.ActionIDMax < 0 {
		return source.MockConfig{}, fmt.Errorf("source.action_id_min/max must be >= 0")
	}
	if sc.ActionIDMin > 0 && sc.ActionIDMax > 0 && sc.ActionIDMax < sc.ActionIDMin {
		return source.MockConfig{}, fmt.Errorf("source.action_id_max must be >= source.action_id_min")
	}
	if sc.FailureRate < 0 || sc.FailureRate > 1 {
		return source.MockConfig{}, fmt.Errorf("source.failure_rate must be within [0,1]")
	}
	return source.MockConfig{
		Latency:     latency,
		IntervalMin: imin,
		IntervalMax: imax,
		ActionIDMin: sc.ActionIDMin,
		ActionIDMax: sc.ActionIDMax,
		FailureRate: sc.FailureRate,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required for sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unsupported %q", sc.Driver)
	}
	if sc.MaxOpenConns < 0 {
		return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
	}
	busy, err := parseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (txexec.Config, error) {
	ec := cfg.Executor
	if ec.QueueSize < 0 {
		return txexec.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
	}
	submit, err := parseDurationField("executor.submit_timeout", ec.SubmitTimeout)
	if err != nil {
		return txexec.Config{}, err
	}
	work, err := parseDurationField("executor.work_timeout", ec.WorkTimeout)
	if err != nil {
		return txexec.Config{}, err
	}
	return txexec.Config{QueueSize: ec.QueueSize, SubmitTimeout: submit, WorkTimeout: work}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	rt, err := parseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := parseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := parseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	if ac.MutexProfileFraction < 0 || ac.BlockProfileRate < 0 {
		return admin.Config{}, fmt.Errorf("admin profile rates must be >= 0")
	}
	return admin.Config{
		Enabled:              ac.Enabled,
		Addr:                 strings.TrimSpace(ac.Addr),
		Token:                ac.Token,
		AllowInsecure:        ac.AllowInsecure,
		Pprof:                ac.Pprof,
		PprofPrefix:          ac.PprofPrefix,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: ac.MutexProfileFraction,
		BlockProfileRate:     ac.BlockProfileRate,
	}, nil
}
