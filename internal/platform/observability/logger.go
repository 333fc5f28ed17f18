package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/greenbasket/api/internal/platform/requestctx"
)

// LoggerOptions selects the level and encoding of the process logger.
type LoggerOptions struct {
	Level string
	// Development switches to a human readable console encoder.
	Development bool
}

// NewLogger builds the process logger. Production output is JSON with the field names Cloud Logging
// maps to severity, message and timestamp.
func NewLogger(opts LoggerOptions) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, err
		}
	}

	if opts.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		return cfg.Build()
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.MessageKey = "message"
	encoder.TimeKey = "timestamp"
	encoder.LevelKey = "severity"
	encoder.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoder.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig = encoder
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger adapts zap to the event callbacks the services accept. Events whose name ends in
// "failed" or "mismatch" log at warn level, everything else at info. The request logger on ctx wins
// over base so events carry request and trace fields.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, base)

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		zf := make([]zap.Field, 0, len(keys)+2)
		zf = append(zf, zap.String("event", event))
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zf = append(zf, zap.String("trace_id", traceID))
		}
		for _, k := range keys {
			if err, ok := fields[k].(error); ok {
				zf = append(zf, zap.NamedError(k, err))
				continue
			}
			zf = append(zf, zap.Any(k, fields[k]))
		}

		if strings.HasSuffix(event, "failed") || strings.HasSuffix(event, "mismatch") {
			logger.Warn(event, zf...)
			return
		}
		logger.Info(event, zf...)
	}
}
