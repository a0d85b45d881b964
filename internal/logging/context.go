package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	activityIDKey contextKey = iota
	loggerKey
)

// WithActivityIDCtx returns a new context carrying the operation's activity ID.
func WithActivityIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

// ActivityIDFromCtx extracts the activity ID from the context.
func ActivityIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(activityIDKey).(string); ok {
		return id
	}
	return ""
}

// TraceIDFromCtx returns the trace ID of the span active in ctx, or "" when
// there is no valid span.
func TraceIDFromCtx(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns a logger for ctx. An attached logger wins; otherwise the
// global logger is tagged with the context's activity ID and trace ID.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Decorate(ctx, Global())
}

// Decorate tags base with the activity and trace IDs found in ctx.
func Decorate(ctx context.Context, base *Logger) *Logger {
	l := base
	if id := ActivityIDFromCtx(ctx); id != "" {
		l = l.WithActivityID(id)
	}
	if id := TraceIDFromCtx(ctx); id != "" {
		l = l.WithTraceID(id)
	}
	return l
}
