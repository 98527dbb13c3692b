package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync/atomic"

	logx "statejob/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns a *sql.DB and the dialect it speaks.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	log     logx.Logger
	closed  atomic.Bool
}

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db  *DB
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		db, err = openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.migrate(context.Background()); err != nil {
		_ = db.sql.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", string(db.dialect)))
	return db, nil
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(d.dialect) + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.closed.Load() {
		return ErrClosed
	}
	return d.sql.PingContext(ctx)
}

func (d *DB) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.sql.Close()
}

// Begin opens a transaction.
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	if d == nil || d.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}
