package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
)

// Tx is a transaction scoped to one boundary. After Commit or Rollback every
// method returns ErrTxClosed.
type Tx struct {
	mu      sync.RWMutex
	tx      *sql.Tx
	dialect Dialect
	closed  bool
}

func (t *Tx) Dialect() Dialect { return t.dialect }

// Closed reports whether the transaction has ended.
func (t *Tx) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	return t.tx.Commit()
}

// Rollback ends the transaction. Rolling back a closed Tx returns ErrTxClosed.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTxClosed
	}
	return t.tx.ExecContext(ctx, t.rebind(q), args...)
}

func (t *Tx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTxClosed
	}
	return t.tx.QueryContext(ctx, t.rebind(q), args...)
}

// QueryRowScan runs a single-row query and scans it into dest.
func (t *Tx) QueryRowScan(ctx context.Context, q string, args []any, dest ...any) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTxClosed
	}
	return t.tx.QueryRowContext(ctx, t.rebind(q), args...).Scan(dest...)
}

// rebind turns '?' placeholders into '$n' for postgres.
func (t *Tx) rebind(q string) string {
	if t.dialect != DialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
