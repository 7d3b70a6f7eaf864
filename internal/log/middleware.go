package log

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"conti/internal/core"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// Middleware creates HTTP middleware that adds a logger to the request context
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithLogger(r.Context(), logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext extracts a logger from the request context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return &Logger{
		Logger:    slog.Default(),
		component: "unknown",
	}
}

// StructuredLogger provides structured logging methods with context awareness
type StructuredLogger struct {
	logger *Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogHTTPEnd logs the completion of an HTTP request at a level that
// follows the status code.
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, clientIP string) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.UserAgent(), r.Referer()).
		WithHTTPResponse(statusCode, duration.Milliseconds(), statusCode < 400).
		WithClientIP(clientIP)
	fields[FieldDurationHuman] = duration.String()

	sl.logger.Log(ctx, level, "HTTP request completed", fields.ToSlice()...)
}

// LogMutation records the outcome of one group mutation. Validation and
// not-found failures are the caller's fault and log at warn.
func (sl *StructuredLogger) LogMutation(ctx context.Context, op, groupID, expenseID string, version int64, duration time.Duration, err error) {
	fields := NewFields().
		WithOperation(op).
		WithGroup(groupID, version).
		WithError(err)
	if expenseID != "" {
		fields[FieldExpenseID] = expenseID
	}
	fields[FieldDuration] = duration.Milliseconds()

	switch {
	case err == nil:
		sl.logger.InfoContext(ctx, "Group mutation applied", fields.ToSlice()...)
	case core.IsValidation(err), core.IsNotFound(err), errors.Is(err, core.ErrVersionConflict):
		sl.logger.WarnContext(ctx, "Group mutation rejected", fields.ToSlice()...)
	default:
		sl.logger.ErrorContext(ctx, "Group mutation failed", fields.ToSlice()...)
	}
}

// LogConsistency reports balances that disagree with expense history.
func (sl *StructuredLogger) LogConsistency(ctx context.Context, cerr *core.ConsistencyError) {
	fields := NewFields().
		WithOperation(OpVerify).
		WithGroup(cerr.GroupID, 0).
		WithError(cerr)
	fields[FieldDiffs] = len(cerr.Diffs)

	sl.logger.ErrorContext(ctx, "Ledger inconsistent with expense history", fields.ToSlice()...)
}

// LogError logs an error with structured context
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	allFields := fields.
		WithError(err).
		WithOperation(operation)

	sl.logger.ErrorContext(ctx, msg, allFields.ToSlice()...)
}
