// Package logging builds the process logger. Output goes to stderr:
// with the stdio transport, stdout carries the MCP protocol.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// An empty level selects info in production and debug otherwise.
func NewLogger(env, level string) (*slog.Logger, error) {
	return NewLoggerTo(os.Stderr, env, level)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, env, level string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if strings.TrimSpace(level) != "" {
		lvl, err := ParseLevel(level)
		if err != nil {
			return nil, err
		}

		opts.Level = lvl
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), nil
}

// ParseLevel parses debug, info, warn/warning or error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}

	return lvl, nil
}
