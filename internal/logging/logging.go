// Package logging builds the service logger.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/config"
)

// New returns a zerolog logger writing to w. Unknown levels fall back to info;
// any format other than "json" is rendered for humans.
func New(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "voxturn").Logger()
}
