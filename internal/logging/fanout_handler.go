package logging

import (
	"context"
	"errors"
	"log/slog"
)

// outputsHandler writes each record to every per-output handler that wants
// its level. A failing output does not stop the others.
type outputsHandler []slog.Handler

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	var out outputsHandler
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return NoopHandler{}
	case 1:
		return out[0]
	}
	return out
}

func (h outputsHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h outputsHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if handler.Enabled(ctx, record.Level) {
			errs = append(errs, handler.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h outputsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

func (h outputsHandler) WithGroup(name string) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (h outputsHandler) each(fn func(slog.Handler) slog.Handler) outputsHandler {
	next := make(outputsHandler, len(h))
	for i, handler := range h {
		next[i] = fn(handler)
	}
	return next
}
