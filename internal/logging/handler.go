// Package logging wires the process-wide slog.Logger: colorized output on a
// terminal, structured JSON when the output is redirected.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// New builds a slog.Logger for out. When out is a terminal it uses tint's
// colorized handler; otherwise it falls back to plain JSON so log shippers
// get machine-readable lines.
func New(out *os.File, level slog.Level) *slog.Logger {
	if isTerminal(out) {
		return slog.New(tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}))
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
