// Package observability wires the runtime's monitoring surface: a shared
// slog root logger, Prometheus metrics, and OpenTelemetry tracing.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// Sensitive env/config key fragments whose values are redacted from logs.
var sensitiveKeyFragments = []string{"token", "key", "secret", "password", "credential"}

// NewLogger builds the root slog logger. format is "json" or "text";
// level is one of debug/info/warn/error. Components derive their own
// loggers via logger.With("component", name).
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// redactAttr masks attribute values whose keys look like secrets, so a
// stray token in a log call never reaches disk.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	lower := strings.ToLower(a.Key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}
