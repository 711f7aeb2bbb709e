// Package logger builds the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger tagged with a component name, so engine and
// migrate output can be told apart when interleaved.
func New(component string, level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

// NewWithWriter is New writing to w. Tests use it to capture output.
func NewWithWriter(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("component", component))
}
