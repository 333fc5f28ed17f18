// Package requestctx carries the per-request logger and trace between middleware, handlers and
// the services they call.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// TraceInfo is the trace a request belongs to, as resolved by the trace middleware.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// scope is the single value stored on the context. Setters copy it so parents are never mutated.
type scope struct {
	logger *zap.Logger
	trace  *TraceInfo
}

type scopeKey struct{}

func current(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func store(ctx context.Context, s scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithLogger attaches logger to ctx. A nil logger clears any logger set further up.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	s := current(ctx)
	s.logger = logger
	return store(ctx, s)
}

// LoggerOr returns the request logger, or fallback when none was attached.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger := current(ctx).logger; logger != nil {
		return logger
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, nil)
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	s := current(ctx)
	s.trace = &info
	return store(ctx, s)
}

// Trace reports the trace attached to ctx, if any.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if t := current(ctx).trace; t != nil {
		return *t, true
	}
	return TraceInfo{}, false
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
