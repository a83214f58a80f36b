// Package logging configures the process-wide slog default logger
// from the ambient configuration (level and format), the same
// log/slog usage the teacher sprinkles directly through its
// providers — centralized here because spec.md's configuration
// document (unlike the teacher's single-mode CLI) selects level and
// format per deployment.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// InstanceID is a random identifier minted once per process start,
// attached to every log line so operators can correlate lines from
// one run in aggregated logs — the logging analogue of the teacher's
// uuid.NewString() ephemeral identifiers (internal/transport/tunnel/server.go,
// internal/core/runtime.go).
var InstanceID = uuid.NewString()

// Setup installs a slog default logger at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info")
// and format ("json" or "text"; default "text"), tagged with
// InstanceID. It returns the configured logger for callers that want
// to thread it explicitly instead of relying on slog.Default().
func Setup(level, format string) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("instance", InstanceID)
	slog.SetDefault(logger)
	return logger
}
