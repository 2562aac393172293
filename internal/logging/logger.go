package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given environment. dev gets a
// human-readable console writer, everything else emits JSON lines.
func New(appEnv, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if appEnv == "dev" && level == "" {
		lvl = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if appEnv == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}

// Nop returns a disabled logger, used by tests and optional components.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
