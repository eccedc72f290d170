package logger

import (
	"io"
	"log/slog"
	"os"
)

// SlogConfig holds configuration for structured logging
type SlogConfig struct {
	Level     slog.Level
	Format    string // "json" or "text"
	AddSource bool
	Output    io.Writer
}

// DefaultSlogConfig returns a sensible default configuration
func DefaultSlogConfig() SlogConfig {
	return SlogConfig{
		Level:     slog.LevelInfo,
		Format:    "text",
		AddSource: false,
		Output:    os.Stderr,
	}
}

// NewSlogLogger creates a structured logger for engine components.
// The workflow engine logs with key/value pairs; this keeps the MCP
// stdout channel clean by writing everything to the configured output.
func NewSlogLogger(config SlogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return slog.New(handler)
}

// ParseSlogLevel maps a level string onto slog levels, defaulting to info.
func ParseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
