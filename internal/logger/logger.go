package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var programLevel = new(slog.LevelVar)

// New builds the process logger: JSON to stdout, minimum level from the
// LOG_LEVEL environment variable (default INFO). The returned logger is
// also installed as slog's default.
func New() *slog.Logger {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	programLevel.Set(level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// SetLevel changes the minimum log level at runtime.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name to a slog.Level. The empty string
// parses as INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}
