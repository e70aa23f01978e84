// Package observability provides structured logging helpers for the
// gateway.
//
// It wraps log/slog with request-id propagation so every log line emitted
// while handling one tool request carries the correlating id.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/bdobrica/Sekimori/common/redact"
	"github.com/bdobrica/Sekimori/common/trace"
)

// Setup configures the global slog logger according to the provided level
// and format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the request_id
// from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	requestID := trace.FromContext(ctx)
	if requestID == "" {
		return slog.Default()
	}
	return slog.With("request_id", requestID)
}

// RedactSecrets replaces known-sensitive values in a log message with
// [REDACTED].  Call with the message text and the secrets to strip out.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
