// Package logging wires up the process-wide zerolog logger for the CLI in
// main.go.
// Core packages never call this package; they only accept/create loggers
// via log.With()...Logger(), the same pattern the MCP auth proxy used.
package logging

import (
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger: RFC3339Nano timestamps, the
// requested level, and a colorized console writer when stderr is a TTY
// (plain JSON lines otherwise, e.g. under a CI runner or when piped to a
// log collector).
func Init(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	var out zerolog.ConsoleWriter
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(parsed)
		return
	}

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(parsed)
}
