package store

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// NewLogger builds the default stderr logger. Color is disabled when stderr
// is not a terminal.
func NewLogger(level slog.Level) *slog.Logger {
	ll := &slog.LevelVar{}
	ll.Set(level)
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
