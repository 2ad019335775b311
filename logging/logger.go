package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a text logger on Stderr at the given level.
// The "error" attribute key is shortened to "err".
func New(level slog.Level) *slog.Logger {
	return NewWriter(os.Stderr, level)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}))
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns lg, or a discarding logger when lg is nil.
func OrNop(lg *slog.Logger) *slog.Logger {
	if lg == nil {
		return NewNop()
	}
	return lg
}
