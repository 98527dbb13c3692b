package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBytesOverlaysDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("cfg.json", []byte(`{"jobs":{"worker":{"every":"PT5S"}},"storage":{"driver":"sqlite","path":"/tmp/x.db"}}`))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Jobs.Worker.Every != "PT5S" {
		t.Fatalf("worker.every = %q", cfg.Jobs.Worker.Every)
	}
	if cfg.Jobs.Updater.Every != "10s" || cfg.Jobs.Worker.Overlap != "skip" {
		t.Fatalf("defaults lost: %+v", cfg.Jobs)
	}
	if cfg.Source.ActionIDMax != 1000 || cfg.Storage.Path != "/tmp/x.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()
	raw := `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
jobs:
  updater:
    every: PT20S
  run_on_start: true
source:
  failure_rate: 0.25
`
	cfg, err := ParseBytes("cfg.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Timezone != "UTC" || !cfg.Jobs.RunOnStart {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Jobs.Updater.Every != "PT20S" || cfg.Source.FailureRate != 0.25 {
		t.Fatalf("unexpected values: %+v %+v", cfg.Jobs, cfg.Source)
	}
}

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field": `{"telegram":{"token":"x"}}`,
		"trailing data": `{} {}`,
		"bad type":      `{"executor":{"queue_size":"big"}}`,
	}
	for name, raw := range tests {
		if _, err := ParseBytes("cfg.json", []byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ParseBytes("cfg.yml", []byte("jobs: [1, 2")); err == nil {
		t.Fatal("expected yaml syntax error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{"10s", 10 * time.Second},
		{"PT1M30S", 90 * time.Second},
		{" 250ms ", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
	for _, raw := range []string{"-1s", "soon", "P1Y"} {
		if _, err := ParseDurationField("jobs.worker.every", raw); err == nil || !strings.Contains(err.Error(), "jobs.worker.every") {
			t.Fatalf("ParseDurationField(%q) err = %v", raw, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Second); d != time.Second {
		t.Fatalf("default = %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	if changed, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}

	b.Jobs.Worker.Every = "1s"
	b.Storage.DSN = "postgres://user:hunter2@db/statejob"
	b.Admin.Token = "hunter2"
	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"admin", "jobs", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestManagerWithoutPathUsesDefault(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.Updater.Every != "10s" || m.Get() != cfg {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "statejob.json")
	if err := os.WriteFile(path, []byte(`{"jobs":{"worker":{"every":"2s"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Jobs.Worker.Every == "0s" {
			return errors.New("worker.every must be > 0")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and the change lands.
	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(`{"jobs":{"worker":{"every":"3s"}}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-sub:
			if cfg.Jobs.Worker.Every != "3s" {
				t.Fatalf("published every = %q", cfg.Jobs.Worker.Every)
			}
			if m.Get().Jobs.Worker.Every != "3s" {
				t.Fatal("published config not committed")
			}
			goto REJECT
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config published")
		}
	}

REJECT:
	if err := os.WriteFile(path, []byte(`{"jobs":{"worker":{"every":"0s"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Jobs)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Jobs.Worker.Every != "3s" {
		t.Fatalf("committed every = %q after rejected reload", m.Get().Jobs.Worker.Every)
	}
}

func TestYAMLEdgeCases(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("empty.yaml", nil)
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Jobs.Worker.Every != "2s" {
		t.Fatalf("empty yaml lost defaults: %+v", cfg.Jobs)
	}
	if _, err := ParseBytes("multi.yaml", []byte("jobs: {}\n---\njobs: {}\n")); err == nil {
		t.Fatal("expected error for multiple documents")
	}
}
