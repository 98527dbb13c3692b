package app

import (
	"context"
	"time"

	"statejob/internal/domain"
	"statejob/internal/storage"
	"statejob/internal/txexec"
	logx "statejob/pkg/logx"
)

// LoadConfig parses and validates the file at path. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withRecords opens the configured store behind a short-lived executor so
// offline inspection follows the same single-owner rule as the running app.
func withRecords(ctx context.Context, cfg *Config, log logx.Logger, fn func(ctx context.Context, tx *storage.Tx) error) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	xc, err := mapExecutorConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer db.Close()

	exec := txexec.New(xc, db, log, nil)
	if err := exec.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = exec.Stop(stopCtx)
	}()
	return exec.RunInTransaction(ctx, fn)
}

// ListRecords returns up to limit records, newest first. limit <= 0 means 100.
func ListRecords(ctx context.Context, cfg *Config, log logx.Logger, limit int) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	err := withRecords(ctx, cfg, log, func(ctx context.Context, tx *storage.Tx) error {
		recs, err := storage.Records(tx).List(ctx, limit)
		out = recs
		return err
	})
	return out, err
}

func CountRecords(ctx context.Context, cfg *Config, log logx.Logger) (int64, error) {
	var n int64
	err := withRecords(ctx, cfg, log, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		n, err = storage.Records(tx).Count(ctx)
		return err
	})
	return n, err
}
