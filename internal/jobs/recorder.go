package jobs

import (
	"context"
	"time"

	"statejob/internal/domain"
	"statejob/internal/storage"
	"statejob/internal/txexec"
	logx "statejob/pkg/logx"
)

// Processor persists one execution for an action id.
type Processor interface {
	Process(ctx context.Context, actionID string) (domain.ExecutionRecord, error)
}

// Recorder writes execution records through the transactional executor.
type Recorder struct {
	exec *txexec.Executor
	log  logx.Logger
	now  func() time.Time
}

func NewRecorder(exec *txexec.Executor, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{exec: exec, log: log.With(logx.String("comp", "recorder")), now: time.Now}
}

// WithClock replaces the timestamp source. Intended for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

// Process builds and appends one record inside a transaction boundary and
// returns the stored copy. Called with a boundary ctx it joins that
// boundary's transaction.
func (r *Recorder) Process(ctx context.Context, actionID string) (domain.ExecutionRecord, error) {
	return txexec.Run(ctx, r.exec, func(ctx context.Context, tx *storage.Tx) (domain.ExecutionRecord, error) {
		rec, err := domain.NewExecutionRecord(actionID, r.now())
		if err != nil {
			return domain.ExecutionRecord{}, err
		}
		if err := storage.Records(tx).Append(ctx, &rec); err != nil {
			return domain.ExecutionRecord{}, err
		}
		txID, _ := txexec.TxID(ctx)
		r.log.Info("execution record persisted",
			logx.Int64("id", rec.ID),
			logx.String("params_used", rec.ParamsUsed),
			logx.Time("timestamp", rec.Timestamp),
			logx.String("tx_id", txID),
		)
		return rec, nil
	})
}
