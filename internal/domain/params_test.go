package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJobParametersValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   JobParameters
		want error
	}{
		{"ok", JobParameters{Interval: ISODuration(10 * time.Second), ActionID: "ACTION_001"}, nil},
		{"blank id", JobParameters{Interval: ISODuration(time.Second), ActionID: "  "}, ErrEmptyActionID},
		{"long id", JobParameters{ActionID: strings.Repeat("x", MaxParamsUsedLen+1)}, ErrActionIDTooLong},
		{"negative", JobParameters{Interval: ISODuration(-time.Second), ActionID: "A"}, ErrNegativeInterval},
	}
	for _, tt := range tests {
		if err := tt.in.Validate(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: Validate() = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestNewExecutionRecord(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 3*3600)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, loc)

	r, err := NewExecutionRecord("ACTION_007", ts)
	if err != nil {
		t.Fatalf("NewExecutionRecord error: %v", err)
	}
	if r.ID != 0 {
		t.Fatalf("ID = %d, want 0 before persistence", r.ID)
	}
	if r.Timestamp.Location() != time.UTC || !r.Timestamp.Equal(ts) {
		t.Fatalf("Timestamp = %v, want %v in UTC", r.Timestamp, ts)
	}

	if _, err := NewExecutionRecord("", ts); !errors.Is(err, ErrEmptyParamsUsed) {
		t.Fatalf("empty params err = %v", err)
	}
	if _, err := NewExecutionRecord("A", time.Time{}); !errors.Is(err, ErrZeroTimestamp) {
		t.Fatalf("zero ts err = %v", err)
	}
	if _, err := NewExecutionRecord(strings.Repeat("é", MaxParamsUsedLen), ts); err != nil {
		t.Fatalf("255 runes should be accepted: %v", err)
	}
}
