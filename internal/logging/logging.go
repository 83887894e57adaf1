// Package logging builds the structured logger shared by every stage.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/andresmejia3/facestage/internal/types"
)

// New returns a slog logger writing to stderr. format is "json" or "text".
func New(format, level string) *slog.Logger {
	return NewWithWriter(os.Stderr, format, level)
}

func NewWithWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Nop discards everything. Tests use it.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}

// ParseLevel maps debug/info/warn/error to slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForObject tags a logger with the invocation id and the artifact it is working on.
func ForObject(l *slog.Logger, invocation string, ref types.ObjectRef) *slog.Logger {
	return l.With("invocation", invocation, "container", ref.Container, "key", ref.Key)
}

// Err is the attribute used for errors; the kind is added when the error is classified.
func Err(err error) slog.Attr {
	if k := types.KindOf(err); k != "" {
		return slog.Group("error", "kind", string(k), "msg", err.Error())
	}
	return slog.String("error", err.Error())
}
