package config

// Default returns the configuration used when no file is given. File values
// are decoded on top of it, so omitted keys keep these defaults.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Admin:     AdminConfig{Addr: "127.0.0.1:9090"},
		Scheduler: SchedulerConfig{Enabled: true},
		Jobs: JobsConfig{
			Updater: JobConfig{Every: "10s", Timeout: "5s"},
			Worker:  JobConfig{Every: "2s", Timeout: "5s", Overlap: "skip", WaitingLogEvery: "10s"},
		},
		Source: SourceConfig{
			Latency:     "100ms",
			IntervalMin: "PT10S",
			IntervalMax: "PT30S",
			ActionIDMin: 1,
			ActionIDMax: 1000,
		},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./data/statejob.db"},
		Executor: ExecutorConfig{QueueSize: 64, SubmitTimeout: "1s", WorkTimeout: "5s"},
	}
}
