// Package logging provides structured JSON logging for the labeler.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a JSON logger on stdout at the given level
// (debug, info, warn, error).
func NewLogger(level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With("job_id", jobID)
}

func WithVideoID(logger *slog.Logger, videoID string) *slog.Logger {
	return logger.With("video_id", videoID)
}

// SanitizePath replaces the home directory prefix with ~.
func SanitizePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
