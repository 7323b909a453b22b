// Package logging builds the process-wide slog logger and bridges it into
// Watermill so the broker internals and the rest of the service share one
// logging pipeline.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

var levelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// New returns the service logger. Development gets human-readable text on
// stderr, everything else structured JSON.
func New(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if env == "development" {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Watermill adapts a slog logger for the broker transport layer.
func Watermill(log *slog.Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("pushgate: slog logger cannot be nil")
	}
	return watermill.NewSlogLoggerWithLevelMapping(log, levelMapping)
}
