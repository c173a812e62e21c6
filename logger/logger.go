// Package logger configures the zerolog logger used across the module.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.Nop()
)

// Default returns the process logger. It discards everything until Init,
// InitWithOptions or SetDefault is called, so library users opt in to output.
func Default() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetDefault replaces the process logger.
func SetDefault(l zerolog.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// Init initializes the file logger, writing to unillm.log in the current directory.
// Log level can be configured via LOG_LEVEL environment variable (debug, info, warn, error).
func Init() (zerolog.Logger, error) {
	return InitWithOptions("unillm.log", false)
}

// InitWithOptions initializes the logger with the specified options.
// If logFile is empty, logs to stdout.
// If pretty is true, uses ConsoleWriter for human-readable output (only valid when logFile is empty).
func InitWithOptions(logFile string, pretty bool) (zerolog.Logger, error) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))

	var output io.Writer
	switch {
	case logFile != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
	case pretty:
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	default:
		output = os.Stdout
	}

	l := New(output, level)
	SetDefault(l)

	if logFile != "" {
		l.Info().Str("path", logFile).Str("level", level.String()).Msg("Logger initialized")
	} else {
		l.Info().Str("output", "stdout").Bool("pretty", pretty).Str("level", level.String()).Msg("Logger initialized")
	}
	return l, nil
}

// New builds a timestamped logger writing to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Component returns a child of l tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
