package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger = *slog.Logger

func NewLogger() *slog.Logger {
	return NewLoggerWith(os.Stdout, "info", "text")
}

// NewLoggerWith builds a logger for the given level and format ("text" or "json").
// Unknown levels fall back to info.
func NewLoggerWith(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything. Used by tests and one-shot CLI paths.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
