package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// ContextAttrs extracts log attributes from a context.
type ContextAttrs func(ctx context.Context) []slog.Attr

// traceLogHandler wraps an slog.Handler and enriches log records with the
// identifiers of the active span found in the record's context.
type traceLogHandler struct {
	inner   slog.Handler
	sources []ContextAttrs
}

// NewTraceLogHandler returns an slog.Handler that adds otel.trace_id and
// otel.span_id from the context's recording OpenTelemetry span, plus the
// attributes produced by each source. If inner is nil,
// slog.Default().Handler() is used.
func NewTraceLogHandler(inner slog.Handler, sources ...ContextAttrs) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	filtered := make([]ContextAttrs, 0, len(sources))
	for _, source := range sources {
		if source != nil {
			filtered = append(filtered, source)
		}
	}
	return &traceLogHandler{inner: inner, sources: filtered}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		span := oteltrace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() && span.IsRecording() {
			sc := span.SpanContext()
			record.AddAttrs(
				slog.String("otel.trace_id", sc.TraceID().String()),
				slog.String("otel.span_id", sc.SpanID().String()),
			)
		}
		for _, source := range h.sources {
			if attrs := source(ctx); len(attrs) > 0 {
				record.AddAttrs(attrs...)
			}
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs), sources: h.sources}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name), sources: h.sources}
}
