// Package logging builds the zerolog logger shared across the server.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects log level and output format.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json (Loki-compatible) or pretty (local dev)
}

// New creates a structured logger with timestamps and a service field.
func New(opts Options) zerolog.Logger {
	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "sensocto").
		Logger()
}
