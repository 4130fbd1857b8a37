// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flitlink/flit/internal/config"
)

// New builds a logger from the log configuration: stderr by default,
// or a size-rotated file when one is configured.
func New(cfg config.LogConfig) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(cfg.Level)}))
}

// Level maps a configured level name to its slog level. Unknown names
// fall back to info.
func Level(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
