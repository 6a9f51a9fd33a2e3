package helpers

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a new Logger with structured logging using slog
// logLevel can be "debug", "info", "warn", or "error"
func NewLogger(serviceName, logLevel string) *slog.Logger {
	return NewLoggerTo(os.Stdout, serviceName, logLevel)
}

// NewLoggerTo is NewLogger writing to w. Unknown levels fall back to info.
func NewLoggerTo(w io.Writer, serviceName, logLevel string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("service", serviceName)
}

// OrDiscard returns logger, or a logger that drops everything when logger is nil.
// Library packages never fall back to slog.Default.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}
