// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/jmcleod/ironsync/internal/uuid"
)

type Options struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
	// UID tags every line with a random id so one run's logs can be picked
	// out of a shared sink.
	UID bool
	// Output defaults to stderr.
	Output io.Writer
}

// Setup returns a text or JSON slog logger tagged with the service and
// version when set.
func Setup(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	if opts.Version != "" {
		logger = logger.With(slog.String("version", opts.Version))
	}
	if opts.UID {
		logger = logger.With(slog.String("uid", uuid.New()))
	}
	return logger
}
