// Copyright 2025 Certen Protocol
//
// Structured JSON Logging
// The daemon logs structured JSON to stdout. Components derive child loggers
// with a "component" attribute instead of the old bracketed prefixes.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configuration string onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// New returns the root JSON logger at the given level, writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default builds the stdout logger used by the daemon.
func Default(level slog.Level) *slog.Logger {
	return New(os.Stdout, level)
}

// Component tags a child logger with its owning component name.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return log.With("component", name)
}
