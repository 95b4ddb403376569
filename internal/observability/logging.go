package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/model"
)

type loggerKey struct{}

// NewLogger creates a JSON zap.Logger writing to stdout.
//
// Level conventions:
//   - error: store or provider failures, panics, 5xx responses
//   - warn:  4xx responses, failed background flushes, breaker open
//   - info:  request completion, status transitions, session open/evict
//   - debug: flush payloads, generation prompts
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build(zap.Fields(zap.String("service", "intake")))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) enriched with the
// caller's channel, actor and correlation fields.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("channel", string(rctx.Channel)),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Actor != "" {
		fields = append(fields, zap.String("actor", rctx.Actor))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Field names always masked by RedactBody. Matching is case-insensitive.
var defaultSensitiveFields = map[string]bool{
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"x-api-key":     true,
	"authorization": true,
	"password":      true,
	"secret":        true,
}

// RedactBody returns a copy of body with sensitive values replaced by
// "[REDACTED]", descending into nested objects. extra adds field names to
// the default set. Meant for debug logging of request bodies.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}

	redact := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for k := range defaultSensitiveFields {
		redact[k] = true
	}
	for _, f := range extra {
		redact[strings.ToLower(f)] = true
	}
	return redactWith(body, redact)
}

func redactWith(body map[string]any, redact map[string]bool) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if redact[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactWith(nested, redact)
			continue
		}
		out[k] = v
	}
	return out
}
