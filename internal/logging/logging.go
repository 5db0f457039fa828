// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	stdLog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global level and output format ("json" or "console")
// and routes the standard library logger through zerolog.
func Configure(level, format string) {
	ConfigureWriter(os.Stdout, level, format)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level, format string) {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	out := w
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logCtx := zerolog.New(out).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		logCtx = logCtx.Caller()
	}
	log.Logger = logCtx.Logger().Level(lvl)
	zerolog.DefaultContextLogger = &log.Logger

	stdLog.SetFlags(0)
	stdLog.SetOutput(stdLogWriter{logger: log.Logger.With().Str("component", "stdlog").Logger()})
}

// ParseLevel converts a level name, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// stdLogWriter reformats stdlib log lines (e.g. from net/http) as zerolog events.
type stdLogWriter struct {
	logger zerolog.Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.logger.Info().Msg(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
