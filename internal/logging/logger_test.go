package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ratewatch/internal/config"
)

func TestNewWithConsoleJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closeFn, err := NewWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json"},
	}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Debug("hidden")
	Component(logger, "limiter").Info("quota computed", "identifier", "10.0.0.1", "max", 60)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["component"] != "limiter" || record["msg"] != "quota computed" {
		t.Fatalf("unexpected record %v", record)
	}
	if _, ok := record["time"]; ok {
		t.Fatalf("console sink must drop time attribute")
	}
}

func TestNewWithConsoleAndFileTee(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ratewatch.log")
	var buf bytes.Buffer
	logger, closeFn, err := NewWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "line"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path},
	}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("rule loaded", "rule", "high_cpu_usage")
	logger.Warn("channel failed", "channel", "webhook")
	closeFn()

	console := buf.String()
	if strings.Contains(console, "rule loaded") {
		t.Fatalf("console sink should filter info records: %q", console)
	}
	if !strings.Contains(console, ansiYellow) || !strings.Contains(console, "channel failed") {
		t.Fatalf("expected colored warn line, got %q", console)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), "rule loaded") || !strings.Contains(string(body), "channel failed") {
		t.Fatalf("file sink missing records: %q", body)
	}
}

func TestNewRejectsNoSinksAndBadLevel(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
	_, _, err := New(config.LogConfig{Console: config.LogSinkConfig{Enabled: true, Level: "trace", Format: "line"}})
	if err == nil {
		t.Fatalf("expected unsupported level error")
	}
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()

	if OrDiscard(nil) == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestLineConsoleTagsComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closeFn, err := NewWithConsole(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "debug", Format: "line"},
	}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	limiter := Component(logger, "limiter").With("identifier", "10.0.0.1")
	limiter.Info("quota computed", "max", 60, "reason", "high load")
	limiter.WithGroup("window").Debug("reset", "ms", 60000)
	logger.Error("startup failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected three lines, got %q", buf.String())
	}
	want := []string{"[limiter] quota computed", "identifier=10.0.0.1", "max=60", `reason="high load"`}
	for _, part := range want {
		if !strings.Contains(lines[0], part) {
			t.Fatalf("line %q missing %q", lines[0], part)
		}
	}
	if strings.Contains(lines[0], "component=") {
		t.Fatalf("component should render as prefix only: %q", lines[0])
	}
	if !strings.Contains(lines[1], "[limiter] reset") || !strings.Contains(lines[1], "window.ms=60000") {
		t.Fatalf("unexpected grouped line %q", lines[1])
	}
	if !strings.Contains(lines[2], ansiRed) || strings.Contains(lines[2], "] ") {
		t.Fatalf("unexpected untagged error line %q", lines[2])
	}
}

func TestParseLevelAcceptsWarningAlias(t *testing.T) {
	t.Parallel()

	level, err := ParseLevel(" Warning ")
	if err != nil || level != slog.LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", level, err)
	}
}
