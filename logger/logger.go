package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/config"
)

// New returns a configured zerolog.Logger
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		lvl = parsed
	}
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log := zerolog.New(out).With().Timestamp().Logger()
	return log
}
