package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func syncConfig(buf *bytes.Buffer) *Config {
	return &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}, Sync: true}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}, Sync: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	ringLogger := logger.WithRing(5)
	ringLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "ring_id=5") {
		t.Errorf("Expected ring_id=5 in output, got: %s", output)
	}

	buf.Reset()
	qpLogger := logger.WithQueuePair(2)
	qpLogger.Info("pair message")

	output = buf.String()
	if !strings.Contains(output, "qp=2") {
		t.Errorf("Expected qp=2 in output, got: %s", output)
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	logger.WithCommand(1, 6).Debug("submitting command")

	output := buf.String()
	if !strings.Contains(output, "op=1") {
		t.Errorf("Expected op=1 in output, got: %s", output)
	}
	if !strings.Contains(output, "parm=6") {
		t.Errorf("Expected parm=6 in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	testErr := errors.New("test error")
	logger.WithError(testErr).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	config := syncConfig(&buf)
	config.Level = LevelWarn
	logger := NewLogger(config)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("Below-threshold messages logged: %s", buf.String())
	}

	logger.Warn("warn message")
	logger.Error("error message")
	output := buf.String()
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("Expected warn and error messages, got: %s", output)
	}
}

func TestLoggerKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(syncConfig(&buf))

	logger.Info("ring created", "capacity", 8)

	output := buf.String()
	if !strings.Contains(output, "capacity=8") {
		t.Errorf("Expected capacity=8 in output, got: %s", output)
	}
}

func TestDefaultLogger(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}

	var buf bytes.Buffer
	custom := NewLogger(syncConfig(&buf))
	old := Default()
	SetDefault(custom)
	defer SetDefault(old)

	Info("via package function")
	if !strings.Contains(buf.String(), "via package function") {
		t.Errorf("Package-level Info did not reach the default logger: %s", buf.String())
	}
}
