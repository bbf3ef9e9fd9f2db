// Package logging builds the zerolog logger shared by every component of
// the pipeline.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger that writes pretty console output to a TTY
// and JSON otherwise, tagged with the given service name.
func New(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// UpdateLevel parses a level string from configuration and applies it
// globally, falling back to info on an unknown value.
func UpdateLevel(levelStr string, logger *zerolog.Logger) {
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().
			Str("configured_level", levelStr).
			Str("using_level", "info").
			Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

// Component derives a child logger tagged with the owning component's name,
// the pattern every constructor in this repo uses to scope its log lines.
func Component(logger *zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
