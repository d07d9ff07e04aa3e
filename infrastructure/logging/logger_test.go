package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
		level   string
		format  string
	}{
		{"json logger", "test-service", "info", "json"},
		{"text logger", "test-service", "debug", "text"},
		{"invalid level", "test-service", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service, tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("service = %v, want %v", logger.service, tt.service)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("test", "info", "json")
	ctx := WithTraceID(context.Background(), "trace-123")

	entry := logger.WithContext(ctx)
	if entry == nil {
		t.Fatal("WithContext() returned nil")
	}
	if entry.Data["service"] != "test" {
		t.Errorf("service field = %v, want test", entry.Data["service"])
	}
	if entry.Data["trace_id"] != "trace-123" {
		t.Errorf("trace_id field = %v, want trace-123", entry.Data["trace_id"])
	}
}

func TestLogger_WithContext_NoTraceID(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithContext(context.Background())

	if _, ok := entry.Data["trace_id"]; ok {
		t.Error("trace_id field should be absent without one on the context")
	}
}

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID() returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID() returned duplicate IDs")
	}
}

func TestLogger_LogCacheEvent(t *testing.T) {
	logger := New("test", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogCacheEvent(ctx, "L2", "hit", "AAPL.US", 2*time.Millisecond)
	if buf.Len() == 0 {
		t.Error("LogCacheEvent() did not write log")
	}

	buf.Reset()
	logger.LogCacheEvent(ctx, "L3", "miss", "batch:700,0700", 1*time.Millisecond)
	if buf.Len() == 0 {
		t.Error("LogCacheEvent() did not write log for miss")
	}
}

func TestLogger_LogCircuitBreakerTransition(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogCircuitBreakerTransition(context.Background(), "data_mapper_scan", "closed", "open")
	if buf.Len() == 0 {
		t.Error("LogCircuitBreakerTransition() did not write log")
	}
}

func TestLogger_LogStreamEvent(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogStreamEvent(ctx, "conn-1", "subscribe", nil)
	if buf.Len() == 0 {
		t.Error("LogStreamEvent() did not write log for success")
	}

	buf.Reset()
	logger.LogStreamEvent(ctx, "conn-1", "dispatch_error", errors.New("queue full"))
	if buf.Len() == 0 {
		t.Error("LogStreamEvent() did not write log for error")
	}
}

func TestLogger_LogRecoveryProgress(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogRecoveryProgress(context.Background(), "job-456", 3, true, nil)
	if buf.Len() == 0 {
		t.Error("LogRecoveryProgress() did not write log")
	}
}

func TestLogger_Info(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	fields := map[string]interface{}{"key": "value"}
	logger.Info(context.Background(), "test message", fields)

	if buf.Len() == 0 {
		t.Error("Info() did not write log")
	}
}

func TestLogger_Error(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	fields := map[string]interface{}{"key": "value"}
	logger.Error(context.Background(), "error occurred", errors.New("test error"), fields)

	if buf.Len() == 0 {
		t.Error("Error() did not write log")
	}
}

func TestLogger_Warn(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	fields := map[string]interface{}{"key": "value"}
	logger.Warn(context.Background(), "warning message", fields)

	if buf.Len() == 0 {
		t.Error("Warn() did not write log")
	}
}

func TestLogger_Debug(t *testing.T) {
	logger := New("test", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	fields := map[string]interface{}{"key": "value"}
	logger.Debug(context.Background(), "debug message", fields)

	if buf.Len() == 0 {
		t.Error("Debug() did not write log")
	}
}

func TestLogger_Debug_SuppressedBelowLevel(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Debug(context.Background(), "debug message", nil)
	if buf.Len() != 0 {
		t.Error("Debug() should not write when logger level is above debug")
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logLevel logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test", tt.level, "json")
			if logger.Logger.Level != tt.logLevel {
				t.Errorf("Level = %v, want %v", logger.Logger.Level, tt.logLevel)
			}
		})
	}
}

func TestLogger_JSONFormatter(t *testing.T) {
	logger := New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("test")

	output := buf.String()
	if output == "" {
		t.Error("JSON formatter did not produce output")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"`)) {
		t.Error("output does not appear to be JSON")
	}
}

func TestLogger_TextFormatter(t *testing.T) {
	logger := New("test", "info", "text")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("test")

	if buf.Len() == 0 {
		t.Error("text formatter did not produce output")
	}
}
