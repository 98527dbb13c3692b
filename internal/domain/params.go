package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobParameters is the configuration snapshot shared between the updater and
// the worker. Values are immutable once built; a newer snapshot supersedes an
// older one as a whole.
type JobParameters struct {
	Interval ISODuration `json:"interval"`
	ActionID string      `json:"actionId"`
}

var (
	ErrEmptyActionID    = errors.New("action id is empty")
	ErrActionIDTooLong  = fmt.Errorf("action id longer than %d characters", MaxParamsUsedLen)
	ErrNegativeInterval = errors.New("interval is negative")
)

// Validate checks the invariants a source must uphold before a snapshot can
// be installed.
func (p JobParameters) Validate() error {
	if strings.TrimSpace(p.ActionID) == "" {
		return ErrEmptyActionID
	}
	if len([]rune(p.ActionID)) > MaxParamsUsedLen {
		return ErrActionIDTooLong
	}
	if p.Interval < 0 {
		return ErrNegativeInterval
	}
	return nil
}

func (p JobParameters) String() string {
	return fmt.Sprintf("{interval=%s actionId=%s}", p.Interval, p.ActionID)
}

// MaxParamsUsedLen bounds ExecutionRecord.ParamsUsed (params_used varchar(255)).
const MaxParamsUsedLen = 255

// ExecutionRecord is one persisted worker execution.
type ExecutionRecord struct {
	ID         int64     `json:"id"`
	ParamsUsed string    `json:"paramsUsed"`
	Timestamp  time.Time `json:"timestamp"`
}

var (
	ErrEmptyParamsUsed   = errors.New("params used is empty")
	ErrParamsUsedTooLong = fmt.Errorf("params used longer than %d characters", MaxParamsUsedLen)
	ErrZeroTimestamp     = errors.New("timestamp is zero")
)

// NewExecutionRecord builds an unsaved record. ts is normalised to UTC.
func NewExecutionRecord(paramsUsed string, ts time.Time) (ExecutionRecord, error) {
	r := ExecutionRecord{ParamsUsed: paramsUsed, Timestamp: ts.UTC()}
	if err := r.Validate(); err != nil {
		return ExecutionRecord{}, err
	}
	return r, nil
}

func (r ExecutionRecord) Validate() error {
	if strings.TrimSpace(r.ParamsUsed) == "" {
		return ErrEmptyParamsUsed
	}
	if len([]rune(r.ParamsUsed)) > MaxParamsUsedLen {
		return ErrParamsUsedTooLong
	}
	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}
