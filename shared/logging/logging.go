// Package logging builds the structured loggers used by every service.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New creates a JSON logger on stdout tagged with component.
// The level comes from LOG_LEVEL and defaults to info.
func New(component string) zerolog.Logger {
	return NewWithWriter(os.Stdout, component, ParseLevel(os.Getenv("LOG_LEVEL")))
}

// NewWithWriter creates a logger with an explicit writer and level.
func NewWithWriter(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
