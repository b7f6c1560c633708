// Package logging builds the structured JSON logger every ingest
// component logs through ("operators see structured JSON
// logs with event names").
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name (from LOG_LEVEL) to a slog.Level, defaulting
// to Info for unknown or empty input.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the root logger for the process: JSON lines on stdout, at the
// requested level.
func New(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler)
}

// Event logs a structured event with the given name and key/value
// attributes, using named events rather than formatted messages
// (ingest_batch, ingest_summary, nntp_fetch_failed, ...).
func Event(log *slog.Logger, level slog.Level, event string, args ...any) {
	log.Log(context.Background(), level, event, args...)
}
