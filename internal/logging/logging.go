// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init installs a console logger on stderr. The level comes from LOG_LEVEL and falls back
// to def when the variable is unset or unknown.
func Init(def zerolog.Level) {
	level := def
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l, def)
	}
	Setup(os.Stderr, level)
}

// Setup points the global logger at w with the given level.
func Setup(w io.Writer, level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()
}

// ParseLevel maps the LOG_LEVEL vocabulary onto zerolog levels.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "production", "prod":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
