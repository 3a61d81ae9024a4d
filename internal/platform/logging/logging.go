// Package logging builds the zerolog logger shared by the server and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatECS     = "ecs"
)

// ResolveFormat picks the output format when LOG_FORMAT is unset: console for
// development, JSON everywhere else.
func ResolveFormat(format string, dev bool) string {
	if format != "" {
		return strings.ToLower(format)
	}
	if dev {
		return FormatConsole
	}
	return FormatJSON
}

// New returns a logger writing to w (stdout when nil) in the given format,
// tagged with the service name.
func New(format, level, service string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var logger zerolog.Logger
	switch format {
	case FormatConsole:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case FormatJSON, "":
		logger = zerolog.New(w).With().Timestamp().Logger()
	case FormatECS:
		// ecszerolog adds @timestamp and ecs.version itself
		logger = ecszerolog.New(w)
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return logger.Level(lvl).With().Str("service", service).Logger(), nil
}
