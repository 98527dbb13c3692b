package storage

import (
	"context"
	"fmt"
	"time"

	"statejob/internal/domain"
)

// RecordRepo appends and reads execution_logs rows inside one Tx.
type RecordRepo struct {
	tx *Tx
}

// Records binds the execution record repository to tx.
func Records(tx *Tx) RecordRepo { return RecordRepo{tx: tx} }

// Append inserts r and sets r.ID to the store-assigned identity.
func (r RecordRepo) Append(ctx context.Context, rec *domain.ExecutionRecord) error {
	if rec == nil {
		return fmt.Errorf("storage: append: nil record")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("storage: append: %w", err)
	}
	var id int64
	err := r.tx.QueryRowScan(ctx,
		`INSERT INTO execution_logs(params_used, "timestamp") VALUES(?, ?) RETURNING id`,
		[]any{rec.ParamsUsed, r.encodeTime(rec.Timestamp)},
		&id,
	)
	if err != nil {
		return fmt.Errorf("storage: append: %w", err)
	}
	rec.ID = id
	return nil
}

func (r RecordRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.tx.QueryRowScan(ctx, `SELECT COUNT(*) FROM execution_logs`, nil, &n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

func (r RecordRepo) CountByParams(ctx context.Context, paramsUsed string) (int64, error) {
	var n int64
	if err := r.tx.QueryRowScan(ctx, `SELECT COUNT(*) FROM execution_logs WHERE params_used = ?`, []any{paramsUsed}, &n); err != nil {
		return 0, fmt.Errorf("storage: count by params: %w", err)
	}
	return n, nil
}

// List returns up to limit records, newest first. limit <= 0 means 100.
func (r RecordRepo) List(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.tx.QueryContext(ctx,
		`SELECT id, params_used, "timestamp" FROM execution_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec domain.ExecutionRecord
			ts  any
		)
		if err := rows.Scan(&rec.ID, &rec.ParamsUsed, &ts); err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		t, err := decodeTime(ts)
		if err != nil {
			return nil, fmt.Errorf("storage: list: record %d: %w", rec.ID, err)
		}
		rec.Timestamp = t
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (r RecordRepo) encodeTime(t time.Time) any {
	t = t.UTC()
	if r.tx.Dialect() == DialectSQLite {
		return t.Format(time.RFC3339Nano)
	}
	return t
}

func decodeTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}
