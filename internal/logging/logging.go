// Package logging configures the process-wide zerolog logger used by every
// other package in codemode-bridge. Call Init once at process startup.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger.
//
// format "console" (the default, and anything unrecognised) produces
// human-readable colorized output to stderr, suited to an operator's
// terminal. format "json" produces single-line structured records, suited
// to log aggregation in a deployed bridge.
func Init(format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	var w io.Writer = os.Stderr
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	zerolog.DefaultContextLogger = &zerolog.Logger{}
	log := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	zerologGlobal = log
}

var zerologGlobal = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// For returns a child logger scoped to a named component, e.g.
// logging.For("sandbox.goja") or logging.For("upstream.manager").
func For(component string) zerolog.Logger {
	return zerologGlobal.With().Str("component", component).Logger()
}
