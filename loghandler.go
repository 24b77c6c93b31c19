package llmtrace

import (
	"context"
	"log/slog"

	"github.com/ongoingai/llmtrace/internal/observability"
)

// NewLogHandler wraps inner so records logged with a context carry
// llmtrace.trace_id and llmtrace.span_id of the current span, alongside
// OpenTelemetry ids when an OpenTelemetry span is recording.
func NewLogHandler(inner slog.Handler) slog.Handler {
	return observability.NewTraceLogHandler(inner, contextLogAttrs)
}

func contextLogAttrs(ctx context.Context) []slog.Attr {
	if span := CurrentSpan(ctx); span != nil {
		return []slog.Attr{
			slog.String("llmtrace.trace_id", span.TraceID()),
			slog.String("llmtrace.span_id", span.ID()),
		}
	}
	if trace := CurrentTrace(ctx); trace != nil {
		return []slog.Attr{slog.String("llmtrace.trace_id", trace.ID())}
	}
	return nil
}
