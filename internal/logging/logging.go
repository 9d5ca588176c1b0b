// Package logging builds the daemon's slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mil-ad/eegmenu/internal/config"
)

// New returns a logger for cfg and the writer behind it. When cfg.File is
// set the writer rotates the file and must be closed on shutdown.
func New(cfg config.LogConfig, debug bool) (*slog.Logger, io.WriteCloser) {
	var w io.WriteCloser = nopCloser{os.Stderr}
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}
	level := ParseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(handler(w, cfg.Format, level)), w
}

func handler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a config level name to a slog level. Unknown names map to
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
