package core

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// SetupLogging installs the default colorized slog handler, mirroring the
// teacher daemon's tint-backed setup. verbose raises the level to Debug;
// otherwise Info.
func SetupLogging(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
