package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const devTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text that
// is coloured when stdout is a terminal.
func NewLogger(env string) *slog.Logger {
	return New(os.Stdout, env)
}

// New is NewLogger writing to w.
func New(w io.Writer, env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: devTimeFormat,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
