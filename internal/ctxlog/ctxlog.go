// Package ctxlog carries the control room logger through a context.Context.
package ctxlog

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx that carries logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default when there
// is none. Library code may be called from tests or tools that never set
// one up.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Component returns the context logger tagged with component=name.
func Component(ctx context.Context, name string, args ...any) *slog.Logger {
	return FromContext(ctx).With(append([]any{"component", name}, args...)...)
}
