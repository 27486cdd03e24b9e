// Package logging builds the zerolog loggers used by the commands and the
// pipeline.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	// Level is one of debug, info, warn, error. Anything else means info.
	Level string
	// Production selects JSON output; otherwise a console writer is used.
	Production bool
	Out        io.Writer
}

// FromEnv reads LOG_LEVEL and ENVIRONMENT.
func FromEnv(out io.Writer) Options {
	return Options{
		Level:      os.Getenv("LOG_LEVEL"),
		Production: os.Getenv("ENVIRONMENT") == "production",
		Out:        out,
	}
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger tagged with component.
func New(component string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.Production {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
