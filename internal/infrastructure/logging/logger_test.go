package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json to stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, false},
		{"text to stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, false},
		{"file", config.LoggingConfig{Level: "info", Output: "file", Dir: t.TempDir(), MaxAgeDays: 3}, false},
		{"file under a regular file", config.LoggingConfig{Output: "file", Dir: "/dev/null/logs"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg, "1.0.0")
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: "file", Dir: dir, MaxAgeDays: 7}, "1.0.0")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Component("supervisor").Info("daemon started", "pid", 42)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ServiceName+".log"))
	if err != nil {
		t.Fatalf("reading current log: %v", err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Errorf("log file = %q, want the entry", data)
	}
}

func TestRedactSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "test")
	logger.Info("configured",
		"gui_api_key", "abc",
		"MQTT_PASSWORD", "hunter2",
		"influx_token", "t0k",
		"jwt_secret", "shh",
		"broker", "tcp://localhost:1883",
	)

	out := buf.String()
	for _, leaked := range []string{"abc", "hunter2", "t0k", "shh"} {
		if strings.Contains(out, `"`+leaked+`"`) {
			t.Errorf("output contains %q: %s", leaked, out)
		}
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry["gui_api_key"] != redacted {
		t.Errorf("gui_api_key = %v, want %q", entry["gui_api_key"], redacted)
	}
	if entry["broker"] != "tcp://localhost:1883" {
		t.Errorf("broker = %v, want it unchanged", entry["broker"])
	}
}

func TestLogger_CloseChild(t *testing.T) {
	if err := Default().Component("api").Close(); err != nil {
		t.Errorf("Close() on child error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{
			name:     "debug level",
			input:    "debug",
			expected: slog.LevelDebug,
		},
		{
			name:     "info level",
			input:    "info",
			expected: slog.LevelInfo,
		},
		{
			name:     "warn level",
			input:    "warn",
			expected: slog.LevelWarn,
		},
		{
			name:     "warning level",
			input:    "warning",
			expected: slog.LevelWarn,
		},
		{
			name:     "error level",
			input:    "error",
			expected: slog.LevelError,
		},
		{
			name:     "unknown defaults to info",
			input:    "unknown",
			expected: slog.LevelInfo,
		},
		{
			name:     "empty defaults to info",
			input:    "",
			expected: slog.LevelInfo,
		},
		{
			name:     "case insensitive",
			input:    "DEBUG",
			expected: slog.LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_With(t *testing.T) {
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	logger, err := New(cfg, "1.0.0")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	childLogger := logger.With("component", "mqtt")

	if childLogger == nil {
		t.Fatal("expected non-nil child logger")
	}

	if childLogger == logger {
		t.Error("expected child logger to be different from parent")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()

	if logger == nil {
		t.Fatal("expected non-nil default logger")
	}
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer

	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "test")
	logger.Component("supervisor").Info("test message", "key", "value")
	logger.Debug("filtered")

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	want := map[string]string{
		"msg":       "test message",
		"key":       "value",
		"service":   ServiceName,
		"version":   "test",
		"component": "supervisor",
	}
	for k, v := range want {
		if logEntry[k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, logEntry[k], v)
		}
	}

	if strings.Contains(buf.String(), "filtered") {
		t.Error("debug entry written at info level")
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	NewWithWriter(&buf, config.LoggingConfig{Level: "debug", Format: "text"}, "1.2.3").Debug("hello")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "service="+ServiceName) {
		t.Errorf("text output = %q", out)
	}
}
