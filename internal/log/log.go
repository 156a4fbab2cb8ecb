// Package log wraps log/slog with the level handling dexidp/dex's pkg/log
// used, adapted to a structured slog.Handler instead of a bare *log.Logger.
package log

import (
	"context"
	"log/slog"
	"os"
)

// New returns a JSON structured logger writing to stderr at the given level.
// Level is one of "debug", "info", "warn", "error"; anything else defaults
// to "info".
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

// NopContext is a convenience for call sites that don't yet have a request
// context (e.g. background rotation).
func NopContext() context.Context { return context.Background() }
