package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
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
			t.Fatalf("line is not valid JSON: %v: %s", err, line)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "state")

		logger, err := NewLogger(dir, LevelDebug, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("hello")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		content, err := os.ReadFile(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatalf("log file was not created: %v", err)
		}
		if entries := decodeLines(t, content); len(entries) != 1 || entries[0]["msg"] != "hello" {
			t.Errorf("unexpected log content: %s", content)
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.closer != nil {
			t.Error("stderr logger should not own a closer")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close on stderr logger failed: %v", err)
		}
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(entries))
	}

	wantLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	for i, entry := range entries {
		if entry["level"] != wantLevels[i] {
			t.Errorf("line %d: expected level %s, got %v", i, wantLevels[i], entry["level"])
		}
		if entry["key"] != "value" {
			t.Errorf("line %d: expected key=value, got %v", i, entry["key"])
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if entries := decodeLines(t, buf.Bytes()); len(entries) != 2 {
		t.Fatalf("expected 2 log lines (WARN and ERROR only), got %d: %s", len(entries), buf.String())
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	child := logger.WithSession("s1").WithResource("WI-42").WithBranch("feature/x").WithComponent("claim")
	child.Info("lease claimed", "status", "created")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	for key, want := range map[string]string{
		"session_id": "s1",
		"resource":   "WI-42",
		"branch":     "feature/x",
		"component":  "claim",
		"status":     "created",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	if logger.With() != logger {
		t.Error("With() without args should return the same logger")
	}

	logger.With("foo", "bar", 7, "skipped", "count", 42).Info("test message")

	entry := decodeLines(t, buf.Bytes())[0]
	if entry["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %v", entry["foo"])
	}
	if entry["count"] != float64(42) {
		t.Errorf("expected count=42, got %v", entry["count"])
	}
	if _, ok := entry["skipped"]; ok {
		t.Error("value of a non-string key should be skipped")
	}
}

func TestChildLoggersDoNotShareAttrs(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelInfo).WithSession("s1")

	a := parent.WithResource("WI-1")
	b := parent.WithResource("WI-2")
	a.Info("a")
	b.Info("b")

	entries := decodeLines(t, buf.Bytes())
	if entries[0]["resource"] != "WI-1" || entries[1]["resource"] != "WI-2" {
		t.Errorf("child loggers leaked attributes: %v / %v", entries[0]["resource"], entries[1]["resource"])
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warn":    LevelWarn,
		"error":   LevelError,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v", ValidLevels())
	}
}
