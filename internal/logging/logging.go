// Package logging builds the process logger: JSON records on stdout and,
// when configured, a size-rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/e7canasta/orion-posture/internal/config"
)

// New returns a JSON logger writing to stdout and to the rotating file of
// cfg, if any. The returned closer releases the file.
func New(cfg config.LoggingConfig, debug bool) (*slog.Logger, io.Closer) {
	return newLogger(os.Stdout, cfg, debug)
}

func newLogger(stdout io.Writer, cfg config.LoggingConfig, debug bool) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	out := stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, file)
		closer = file
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
