// Package logging builds the process-wide structured logger for
// pairbookd.
package logging

import (
	"log/slog"
	"os"
)

// envProduction is the PAIRBOOK_ENV value that switches to shippable
// JSON output.
const envProduction = "production"

// NewLogger creates a logger for the given environment. Production
// emits JSON at info level; every other environment gets human-readable
// text with debug enabled. All lines carry an "app" attribute so the
// daemon's output is filterable when devices share a log sink.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler

	if env == envProduction {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("app", "pairbook"))
}
