package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through it
// directly; they take a tagged child via With or one of its wrappers so
// every line carries its origin.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init rebuilds the root logger from the collector's log settings. level
// is any name zerolog understands ("debug", "info", "warn", "error");
// anything else falls back to info. JSON output goes straight to stdout,
// otherwise a console writer renders for humans.
func Init(level string, json bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// With returns a child logger tagged with a single field
func With(field, value string) zerolog.Logger {
	return Logger.With().Str(field, value).Logger()
}

// WithComponent tags log lines with the subsystem that owns them
func WithComponent(component string) zerolog.Logger {
	return With("component", component)
}

// WithProvider tags log lines from a provider adapter
func WithProvider(providerID string) zerolog.Logger {
	return With("provider", providerID)
}
