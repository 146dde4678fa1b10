package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("calling provider with key sk-ant-REDACTED",
		"api_key", "plain-value",
		"err", errors.New("bad token: gsk_abcdefghijklmnopqrstuvwx"),
		"model", "claude")

	out := buf.String()
	for _, secret := range []string{"sk-ant-REDACTED", "plain-value", "gsk_abcdefghijklmnopqrstuvwx"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"model":"claude"`) {
		t.Errorf("expected non-sensitive attr to survive: %s", out)
	}
}

func TestNewLoggerAddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddTaskID(AddSessionID(context.Background(), "sess-1"), "task-9")
	logger.InfoContext(ctx, "turn complete")

	out := buf.String()
	if !strings.Contains(out, `"task_id":"task-9"`) || !strings.Contains(out, `"session_id":"sess-1"`) {
		t.Fatalf("expected context ids in output: %s", out)
	}
	if got := GetTaskID(ctx); got != "task-9" {
		t.Errorf("GetTaskID = %q", got)
	}
	if got := GetSessionID(ctx); got != "sess-1" {
		t.Errorf("GetSessionID = %q", got)
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).With("password", "hunter2")
	logger.Info("login")
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("With attrs leaked password: %s", buf.String())
	}
}
