package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// NewTraceLogHandler wraps baseHandler and adds the active trace and span ids
// to every record logged with a *Context slog method.
func NewTraceLogHandler(baseHandler slog.Handler) *traceLogHandler {
	return &traceLogHandler{base: baseHandler}
}

type traceLogHandler struct {
	base slog.Handler
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("traceID", sc.TraceID().String()),
			slog.String("spanID", sc.SpanID().String()),
			slog.Bool("traceSampled", sc.TraceFlags().IsSampled()),
		)
	}
	return h.base.Handle(ctx, r)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewTraceLogHandler(h.base.WithAttrs(attrs))
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return NewTraceLogHandler(h.base.WithGroup(name))
}

var _ slog.Handler = (*traceLogHandler)(nil)
