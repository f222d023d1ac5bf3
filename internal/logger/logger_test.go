package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"WARN", "warn"},
		{"unknown", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level := parseLevel(tt.input)
			if level.String() != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level.String(), tt.expected)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		cfg  *config.LoggingConfig
	}{
		{"json stderr", &config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"}},
		{"text debug", &config.LoggingConfig{Level: "debug", Format: "text"}},
		{"rotating file", &config.LoggingConfig{Level: "warn", Format: "json", Output: filepath.Join(tmpDir, "tap.log"), MaxSizeMB: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger without error")
			}
			_ = logger.Sync()
		})
	}
}

func TestNewDefaultAndNop(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("NewDefault() returned nil")
	}
	logger.Info("test message")

	nop := NewNop()
	nop.Errorw("discarded", "key", "value")
	if err := nop.Sync(); err != nil {
		t.Errorf("nop Sync() returned %v", err)
	}
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewWithCore(core)

	logger.WithRun("run-1").WithStream("sales-orders").WithBatch(3).Info("batch committed")
	logger.WithFields(map[string]interface{}{"rows": 42}).Warn("slow page")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx["run_id"] != "run-1" {
		t.Errorf("expected run_id run-1, got %v", ctx["run_id"])
	}
	if ctx["stream"] != "sales-orders" {
		t.Errorf("expected stream sales-orders, got %v", ctx["stream"])
	}
	if ctx["batch"] != int64(3) {
		t.Errorf("expected batch 3, got %v (%T)", ctx["batch"], ctx["batch"])
	}

	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("expected warn level, got %v", entries[1].Level)
	}
	if entries[1].ContextMap()["rows"] != int64(42) {
		t.Errorf("expected rows 42, got %v", entries[1].ContextMap()["rows"])
	}
}

func TestBuildWritersNeverUsesStdout(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		if w := buildWriters(&config.LoggingConfig{Output: output}); w == nil {
			t.Errorf("buildWriters(%q) returned nil", output)
		}
	}
}

func TestLoggingOutputToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tap.log")

	logger, err := New(&config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     logPath,
		MaxSizeMB:  10,
		MaxBackups: 1,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info("test info message")
	logger.WithStream("sales-orders").Warn("stream warning")
	_ = logger.Sync()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "test info message") {
		t.Error("Log file should contain 'test info message'")
	}
	if !strings.Contains(contentStr, `"stream":"sales-orders"`) {
		t.Error("Log file should contain stream context")
	}
}
