package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// New builds a logger. JSON on stdout for production, console output on
// stderr otherwise. Unknown levels fall back to info.
func New(env, level string) zerolog.Logger {
	l := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	if env != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return l.Level(lvl)
}

// For returns a child of the global logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// SetRole tags every subsequent log line with the process role. Call it
// once at startup, before components derive their loggers.
func SetRole(role string) {
	Log = Log.With().Str("role", role).Logger()
}
