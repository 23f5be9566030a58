// Package util provides shared helpers: logging, retries, rate limiting,
// and the HK trading calendar.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the application logger. level is one of "debug", "info",
// "warn", "error" (anything else means info). format "text" writes a
// human-readable stream to stderr; any other value writes JSON to stdout.
func NewLogger(level, format string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lv}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
