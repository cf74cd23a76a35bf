package observability

import (
	"context"
	"log/slog"
)

// LogContext holds structured logging context carried across component calls.
type LogContext struct {
	EntryID     int64
	DeviceName  string
	OperationID int64
	StepType    string
}

// logContextKeyType is used for context values.
type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithEntryID adds a registry entry ID to the context.
func WithEntryID(ctx context.Context, entryID int64) context.Context {
	lc := extractLogContext(ctx)
	lc.EntryID = entryID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithDevice adds a device name to the context.
func WithDevice(ctx context.Context, device string) context.Context {
	lc := extractLogContext(ctx)
	lc.DeviceName = device
	return context.WithValue(ctx, logContextKey, lc)
}

// WithOperationID adds an operation ID to the context.
func WithOperationID(ctx context.Context, operationID int64) context.Context {
	lc := extractLogContext(ctx)
	lc.OperationID = operationID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithStepType adds a sub-operation type to the context.
func WithStepType(ctx context.Context, stepType string) context.Context {
	lc := extractLogContext(ctx)
	lc.StepType = stepType
	return context.WithValue(ctx, logContextKey, lc)
}

// extractLogContext retrieves or creates a LogContext from the context.
func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

// getLogAttrs returns slog attributes from the context's LogContext.
func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := []slog.Attr{}

	if lc.EntryID != 0 {
		attrs = append(attrs, slog.Int64("entry_id", lc.EntryID))
	}
	if lc.DeviceName != "" {
		attrs = append(attrs, slog.String("device", lc.DeviceName))
	}
	if lc.OperationID != 0 {
		attrs = append(attrs, slog.Int64("operation_id", lc.OperationID))
	}
	if lc.StepType != "" {
		attrs = append(attrs, slog.String("step_type", lc.StepType))
	}

	return attrs
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	contextAttrs := getLogAttrs(ctx)
	allAttrs := append(contextAttrs, attrs...)
	slog.LogAttrs(ctx, slog.LevelInfo, msg, allAttrs...)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	contextAttrs := getLogAttrs(ctx)
	allAttrs := append(contextAttrs, attrs...)
	slog.LogAttrs(ctx, slog.LevelWarn, msg, allAttrs...)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	contextAttrs := getLogAttrs(ctx)
	allAttrs := append(contextAttrs, attrs...)
	slog.LogAttrs(ctx, slog.LevelError, msg, allAttrs...)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	contextAttrs := getLogAttrs(ctx)
	allAttrs := append(contextAttrs, attrs...)
	slog.LogAttrs(ctx, slog.LevelDebug, msg, allAttrs...)
}
