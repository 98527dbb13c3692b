package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestConfigCheckDefaults(t *testing.T) {
	out, err := execute(t, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "config ok: (defaults)") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "jobs:\n  worker:\n    every: \"*/5 * * * *\"\n")
	if _, err := execute(t, "--config", path, "config", "check"); err == nil || !strings.Contains(err.Error(), "jobs.worker.every") {
		t.Fatalf("err = %v", err)
	}

	path = writeFile(t, "unknown.json", `{"nope": true}`)
	if _, err := execute(t, "config", "check", "--config", path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestRecordsOnEmptyStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "records.db")
	path := writeFile(t, "config.yaml", "storage:\n  driver: sqlite\n  path: "+db+"\n")

	out, err := execute(t, "--config", path, "records", "count")
	if err != nil {
		t.Fatalf("records count: %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Fatalf("count output = %q", out)
	}

	out, err = execute(t, "--config", path, "records", "list", "--json")
	if err != nil {
		t.Fatalf("records list: %v", err)
	}
	if strings.TrimSpace(out) != "null" {
		t.Fatalf("list output = %q", out)
	}
}
