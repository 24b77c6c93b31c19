package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts credentials from span attributes, event
// attributes and status descriptions before spans leave the process.
// Delivery errors recorded on spans may echo backend responses that carry
// the API key.
type scrubbingExporter struct {
	wrapped  sdktrace.SpanExporter
	scrubber *Scrubber
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter, scrubber *Scrubber) sdktrace.SpanExporter {
	if scrubber == nil {
		scrubber = defaultScrubber
	}
	return &scrubbingExporter{wrapped: wrapped, scrubber: scrubber}
}

// ExportSpans passes clean spans through untouched and sanitized copies of
// the rest.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = e.scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

func (e *scrubbingExporter) scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !e.needsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = e.scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = e.scrubAttributes(event.Attributes)
	}
	stub.Status.Description = e.scrubber.Scrub(stub.Status.Description)
	return stub.Snapshot()
}

func (e *scrubbingExporter) needsScrubbing(s sdktrace.ReadOnlySpan) bool {
	if e.attributesNeedScrubbing(s.Attributes()) {
		return true
	}
	for _, event := range s.Events() {
		if e.attributesNeedScrubbing(event.Attributes) {
			return true
		}
	}
	return e.scrubber.Contains(s.Status().Description)
}

func (e *scrubbingExporter) attributesNeedScrubbing(attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING && e.scrubber.Contains(a.Value.AsString()) {
			return true
		}
	}
	return false
}

func (e *scrubbingExporter) scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		if a.Value.Type() == attribute.STRING {
			if val := a.Value.AsString(); e.scrubber.Contains(val) {
				result[i] = attribute.String(string(a.Key), e.scrubber.Scrub(val))
				continue
			}
		}
		result[i] = a
	}
	return result
}
