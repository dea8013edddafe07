// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls how the global logger is initialized.
type Options struct {
	// Level is one of zerolog's level names (debug, info, warn, error).
	// Empty defaults to "info".
	Level string
	// Pretty switches to a human-readable console writer instead of
	// line-delimited JSON. Intended for local/dev use only.
	Pretty bool
	// Output overrides the destination; defaults to os.Stderr.
	Output io.Writer
}

// Init installs the global zerolog logger used by every package in the
// daemon. Adapter child processes are never given this logger; their
// stdout/stderr is captured separately by the adapter handle's log ring.
func Init(opts Options) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
