package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
default:
  stale_after: 10s
gc_interval: 0s
classes:
  user:
    stale_after: 1m
    retry:
      attempts: 3
      delay: 10ms
  feed:
    breaker:
      consecutive_failures: 5
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestExitError(t *testing.T) {
	err := &exitError{code: 2}
	if err.Error() != "exit status 2" {
		t.Errorf("exitError.Error() = %q, want %q", err.Error(), "exit status 2")
	}
	var target *exitError
	if !errors.As(err, &target) || target.code != 2 {
		t.Error("errors.As failed for *exitError")
	}
}

func TestUsageError(t *testing.T) {
	err := &usageError{msg: "test error"}
	if err.Error() != "test error" {
		t.Errorf("usageError.Error() = %q, want %q", err.Error(), "test error")
	}
}

func TestCreateCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range createCommands() {
		names[cmd.Name] = true
	}
	for _, name := range []string{"validate", "key", "simulate"} {
		if !names[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestCmdValidate(t *testing.T) {
	path := writeConfig(t, "xquery.yaml", sampleConfig)
	var out bytes.Buffer
	if err := cmdValidate(&out, path); err != nil {
		t.Fatalf("cmdValidate: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"[default]",
		"[class feed]",
		"[class user]",
		"stale_after: 1m0s",
		"retry: attempts=3 delay=10ms max_delay=off",
		"breaker: consecutive_failures=5",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "[class feed]") > strings.Index(got, "[class user]") {
		t.Error("classes should be printed in sorted order")
	}
}

func TestCmdValidateInvalid(t *testing.T) {
	path := writeConfig(t, "xquery.yaml", "default:\n  stale_after: -1s\n")
	if err := cmdValidate(&bytes.Buffer{}, path); err == nil {
		t.Fatal("cmdValidate should reject negative durations")
	}
}

func TestCmdKey(t *testing.T) {
	var out bytes.Buffer
	if err := cmdKey(&out, []string{"user", "42"}); err != nil {
		t.Fatalf("cmdKey: %v", err)
	}
	got := out.String()
	for _, want := range []string{`key:   ["user",42]`, "class: user"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	var target *usageError
	if err := cmdKey(&bytes.Buffer{}, nil); !errors.As(err, &target) {
		t.Errorf("cmdKey(nil) = %v, want usageError", err)
	}
}

func TestParsePart(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"user", "user"},
		{"42", int64(42)},
		{"-1", int64(-1)},
		{"true", true},
		{"T", "T"},
		{"1.5", 1.5},
		{"NaN", "NaN"},
		{"=42", "42"},
	}
	for _, tt := range tests {
		if got := parsePart(tt.in); got != tt.want {
			t.Errorf("parsePart(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestSimulateOptionsValidate(t *testing.T) {
	valid := simulateOptions{duration: time.Second, workers: 1, keys: 1}
	if err := valid.validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*simulateOptions)
	}{
		{"zero_duration", func(o *simulateOptions) { o.duration = 0 }},
		{"zero_workers", func(o *simulateOptions) { o.workers = 0 }},
		{"zero_keys", func(o *simulateOptions) { o.keys = 0 }},
		{"negative_latency", func(o *simulateOptions) { o.latency = -time.Second }},
		{"failure_rate", func(o *simulateOptions) { o.failureRate = 1.5 }},
		{"watch_without_config", func(o *simulateOptions) { o.watch = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			var target *usageError
			if err := opts.validate(); !errors.As(err, &target) {
				t.Errorf("validate() = %v, want usageError", err)
			}
		})
	}
}

func TestCmdSimulate(t *testing.T) {
	path := writeConfig(t, "xquery.yaml", sampleConfig)
	var out bytes.Buffer
	err := cmdSimulate(context.Background(), &out, simulateOptions{
		configPath:  path,
		duration:    200 * time.Millisecond,
		workers:     4,
		keys:        4,
		latency:     time.Millisecond,
		failureRate: 0.2,
		mutateEvery: 20 * time.Millisecond,
		watch:       true,
	})
	if err != nil {
		t.Fatalf("cmdSimulate: %v", err)
	}

	got := out.String()
	for _, want := range []string{"reads:", "backend calls:", "mutations:", "fetches:"} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}

func TestRunExitCodes(t *testing.T) {
	path := writeConfig(t, "xquery.yaml", sampleConfig)
	bad := writeConfig(t, "bad.yaml", "gc_interval: -1s\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"validate_ok", []string{"xqueryctl", "validate", path}, 0},
		{"validate_invalid", []string{"xqueryctl", "validate", bad}, 1},
		{"validate_missing_path", []string{"xqueryctl", "validate"}, 2},
		{"key_no_parts", []string{"xqueryctl", "key"}, 2},
		{"unknown_flag", []string{"xqueryctl", "--nope"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
