// Package logger provides the zerolog setup shared by the master, slave,
// autoscaler and client binaries.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance, configured for JSON output in
// production and a pretty console writer otherwise.
var Log zerolog.Logger

func init() {
	lvl, err := zerolog.ParseLevel(os.Getenv("SWARM_LOG_LEVEL"))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	Log = zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Named returns a child logger tagged with the given component name, so
// master/slave/autoscaler/client log lines can be told apart when several
// run on the same host during development.
func Named(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
