// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr at the given level. Unknown levels
// fall back to info. When stderr is a terminal the output is the human
// console format, otherwise JSON lines.
func New(level string) zerolog.Logger {
	lvl := ParseLevel(level)

	var out = zerolog.New(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

// ParseLevel maps a config LOG_LEVEL value onto a zerolog level. The accepted
// set mirrors the config schema: TRACE, DEBUG, INFO, WARNING, ERROR, CRITICAL.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL", "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
