// Package ctxlog carries a *slog.Logger through context.Context. The
// scheduler and the capability wrappers log against whatever handler the
// caller installed at the run's entry point; library code never has to
// thread a logger argument and never panics on a bare context.
package ctxlog

import (
	"context"
	"io"
	"log/slog"
)

type ctxKey struct{}

// WithLogger returns a context that carries the given logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger the context carries. A context without
// one yields a discarding logger, so call sites log unconditionally.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Discard()
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
