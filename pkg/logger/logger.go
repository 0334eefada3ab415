// Package logger builds zerolog loggers from configuration
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pay-theory/dynaplan/pkg/config"
)

// Configure returns a logger writing to stdout
func Configure(cfg config.Logging) zerolog.Logger {
	return New(cfg, os.Stdout)
}

// New returns a logger writing to out. A disabled config yields a no-op
// logger; an unknown level falls back to info.
func New(cfg config.Logging, out io.Writer) zerolog.Logger {
	if !cfg.Enabled {
		return zerolog.Nop()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", "dynaplan").
		Logger()
}
