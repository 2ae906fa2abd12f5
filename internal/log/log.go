package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pipekeeper/pipekeeper/internal/model"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds the attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, slogKey, merged)
}

func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}

// Setup installs the default logger writing to dest ("stderr", "stdout",
// "discard" or a file path). The returned function closes the log file.
func Setup(dest string, verbose bool) (func() error, error) {
	noop := func() error { return nil }
	var w io.Writer
	closer := noop
	switch dest {
	case "", model.LogStderr:
		w = os.Stderr
	case model.LogStdout:
		w = os.Stdout
	case model.LogDiscard:
		w = io.Discard
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return noop, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closer = f.Close
	}
	slog.SetDefault(New(w, verbose))
	return closer, nil
}
