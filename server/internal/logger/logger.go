// Package logger provides structured logging setup for the relay server.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/facerelay/facerelay/server/internal/config"
)

// New creates a *slog.Logger from the given logging config. Output is JSON to
// stdout with a "service" attribute on every record. The returned LevelVar
// lets a config reload change the level in place.
func New(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("service", cfg.Service), level
}

// ParseLevel converts a string log level to slog.Level. Unknown values map
// to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
