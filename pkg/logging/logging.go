// Package logging provides the slog setup used by deedsreg and the line-oriented
// Sink that receives pipeline and sub-process output.
//
// Structured logs are JSON on stderr with module and version attributes. The
// level comes from an explicit argument, falling back to the LOG_LEVEL
// environment variable and then to info. Debug level adds source locations.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const envLogLevel = "LOG_LEVEL"

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelOrEnv returns level when set, else LOG_LEVEL.
func levelOrEnv(level string) string {
	if strings.TrimSpace(level) != "" {
		return level
	}
	return os.Getenv(envLogLevel)
}

// NewStructuredLogger creates a JSON logger writing to stderr.
func NewStructuredLogger(module, version, level string) *slog.Logger {
	return newLogger(os.Stderr, module, version, level)
}

func newLogger(w io.Writer, module, version, level string) *slog.Logger {
	lvl := ParseLevel(levelOrEnv(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	})
	return slog.New(handler).With(
		slog.String("module", module),
		slog.String("version", version),
	)
}

// SetDefaultStructuredLoggerWithLevel installs a structured logger with an
// explicit level as the slog default.
func SetDefaultStructuredLoggerWithLevel(module, version, level string) {
	slog.SetDefault(NewStructuredLogger(module, version, level))
}
