package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_WritesForgeLog(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Options{Dir: dir, Level: LevelDebug})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	entries := decodeLines(t, content)
	if len(entries) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(entries))
	}
	wantLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	for i, e := range entries {
		if e["level"] != wantLevels[i] {
			t.Errorf("line %d: level = %v, want %s", i, e["level"], wantLevels[i])
		}
		if e["key"] != "value" {
			t.Errorf("line %d: key = %v, want value", i, e["key"])
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if got := len(decodeLines(t, buf.Bytes())); got != 2 {
		t.Fatalf("expected 2 log lines (WARN and ERROR only), got %d: %s", got, buf.String())
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelInfo)

	child := root.WithSession("sess-1").WithRound(3).WithComponent("conflict")
	child.Info("merged", "detected", 2)
	root.Info("plain")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	e := entries[0]
	if e["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", e["session_id"])
	}
	if e["round"] != float64(3) {
		t.Errorf("round = %v, want 3", e["round"])
	}
	if e["component"] != "conflict" {
		t.Errorf("component = %v, want conflict", e["component"])
	}
	if e["detected"] != float64(2) {
		t.Errorf("detected = %v, want 2", e["detected"])
	}

	if _, ok := entries[1]["session_id"]; ok {
		t.Error("parent logger should not inherit child attributes")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	if logger.With() != logger {
		t.Error("With() with no args should return the same logger")
	}

	logger.With("a", 1, 42, "skipped", "b", "two").Info("msg")

	entries := decodeLines(t, buf.Bytes())
	if entries[0]["a"] != float64(1) || entries[0]["b"] != "two" {
		t.Errorf("unexpected attributes: %v", entries[0])
	}
	if _, ok := entries[0]["42"]; ok {
		t.Error("non-string keys should be skipped")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("dropped")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"Error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidLevels(t *testing.T) {
	levels := ValidLevels()
	if len(levels) != 4 {
		t.Fatalf("ValidLevels() returned %d levels, want 4", len(levels))
	}
	for _, l := range levels {
		if ParseLevel(l) != l {
			t.Errorf("ParseLevel(%q) should round-trip", l)
		}
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Options{Dir: dir, Level: LevelInfo})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l := logger.WithRound(n)
			for j := 0; j < 20; j++ {
				l.Info("tick", "j", j)
			}
		}(i)
	}
	wg.Wait()
	_ = logger.Close()

	content, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if got := len(decodeLines(t, content)); got != 200 {
		t.Errorf("got %d lines, want 200", got)
	}
}
