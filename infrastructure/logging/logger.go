// Package logging wraps logrus with the gateway's fixed set of
// structured log events: cache hits/misses, circuit breaker
// transitions, stream connection lifecycle, and recovery job progress.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// traceIDKey is the context key under which a request's trace ID
// travels; NewTraceID mints the value, WithContext reads it back.
type traceIDKey struct{}

// Logger wraps logrus.Logger, tagging every entry with the owning
// service name and, when present, a trace ID pulled from context.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for service at level (parsed via
// logrus.ParseLevel, defaulting to info on a bad value), formatted as
// either "json" or plain text.
func New(service, level, format string) *Logger {
	base := logrus.New()

	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	base.SetLevel(parsedLevel)

	if format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, service: service}
}

// NewTraceID mints a trace ID for a new stream connection or recovery
// job; websocket.go falls back to one when a client connects without
// supplying its own.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches traceID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// WithContext builds a logrus.Entry tagged with the logger's service
// name and, if present on ctx, its trace ID.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// LogCacheEvent logs a hit/miss/eviction on any cache layer (symbol
// mapper L1/L2/L3, data mapper cache, market status cache).
func (l *Logger) LogCacheEvent(ctx context.Context, layer, event, key string, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"layer":       layer,
		"event":       event,
		"key":         key,
		"duration_ms": duration.Milliseconds(),
	}).Debug("cache event")
}

// LogCircuitBreakerTransition logs a breaker's state change, as fired
// by resilience.Config.OnStateChange.
func (l *Logger) LogCircuitBreakerTransition(ctx context.Context, name, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"breaker": name,
		"from":    from,
		"to":      to,
	}).Warn("circuit breaker state transition")
}

// LogStreamEvent logs a stream connection lifecycle event: subscribe,
// unsubscribe, dispatch_error, and similar.
func (l *Logger) LogStreamEvent(ctx context.Context, connectionID, event string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"connection_id": connectionID,
		"event":         event,
	})
	if err != nil {
		entry.WithError(err).Warn("stream event")
	} else {
		entry.Info("stream event")
	}
}

// LogRecoveryProgress logs one batch of a recovery job's replay.
func (l *Logger) LogRecoveryProgress(ctx context.Context, jobID string, batchesSent int, isLastBatch bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"job_id":       jobID,
		"batches_sent": batchesSent,
		"is_last":      isLastBatch,
	})
	if err != nil {
		entry.WithError(err).Error("recovery progress failed")
	} else {
		entry.Info("recovery progress")
	}
}

// Debug logs message at debug level, skipping the logrus call entirely
// when the logger isn't configured for it.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	if l.Logger.Level < logrus.DebugLevel {
		return
	}
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Info logs message at info level.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs message at warn level.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs message at error level, attaching err when non-nil.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}
