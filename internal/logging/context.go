package logging

import (
	"context"
	"log/slog"
	"os"
)

type loggerContextKey struct{}

// FromContext returns the logger carried by ctx, or a JSON stdout logger
// tagged as a fallback if there is none.
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("logger", "fallback"))
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	return AddToContext(ctx, FromContext(ctx).With(anySlice...))
}

// WithFallback returns ctx unchanged if it carries a logger, otherwise attaches fallback
func WithFallback(ctx context.Context, fallback *slog.Logger) context.Context {
	if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
		return ctx
	}
	if fallback == nil {
		return ctx
	}
	return AddToContext(ctx, fallback)
}
