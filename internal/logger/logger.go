package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// InitWithOptions builds the process logger.
// If logFile is empty, logs go to stdout; pretty switches stdout to the console writer.
// The level argument wins over the LOG_LEVEL environment variable when set.
func InitWithOptions(level, logFile string, pretty bool) (zerolog.Logger, error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl := parseLogLevel(level)

	var output io.Writer
	switch {
	case logFile != "":
		//nolint:gosec // log path comes from the operator's config
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log file %s: %w", logFile, err)
		}
		output = file
	case pretty:
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	default:
		output = os.Stdout
	}

	log := zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	log.Info().Str("level", lvl.String()).Bool("pretty", pretty).Str("file", logFile).Msg("logger initialized")
	return log, nil
}

// Nop returns a disabled logger for tests and optional dependencies.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
