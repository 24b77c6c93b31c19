package llmtrace

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

// DistributedHeaders identify a parent span, possibly in another goroutine
// or process. An empty ParentSpanID makes the continued span top-level in
// the trace.
type DistributedHeaders struct {
	TraceID      string `json:"opik_trace_id"`
	ParentSpanID string `json:"opik_parent_span_id,omitempty"`
}

// Valid reports whether h names a trace.
func (h DistributedHeaders) Valid() bool {
	return strings.TrimSpace(h.TraceID) != ""
}

// DistributedTraceHeaders returns headers for the current span, or for the
// current trace when no span is open. It falls back to headers placed in
// ctx by ContextWithDistributedHeaders.
func DistributedTraceHeaders(ctx context.Context) (DistributedHeaders, bool) {
	if TrackingDisabled() {
		return DistributedHeaders{}, false
	}
	if span := currentSpan(ctx); span != nil {
		return span.DistributedHeaders(), true
	}
	if trace := currentTrace(ctx); trace != nil {
		return trace.DistributedHeaders(), true
	}
	if remote := currentRemote(ctx); remote != nil {
		return *remote, true
	}
	return DistributedHeaders{}, false
}

// ContextWithDistributedHeaders makes the next span tracked with the
// returned context a child of the span h identifies. Invalid headers leave
// ctx unchanged.
func ContextWithDistributedHeaders(ctx context.Context, h DistributedHeaders) context.Context {
	if !h.Valid() {
		return ctx
	}
	return withRemote(ctx, h)
}

const (
	HeaderTraceID      = "llmtrace-trace-id"
	HeaderParentSpanID = "llmtrace-parent-span-id"
)

// Propagator carries distributed headers through any OpenTelemetry text map
// carrier, such as propagation.HeaderCarrier for HTTP. It can be combined
// with other propagators via propagation.NewCompositeTextMapPropagator.
type Propagator struct{}

var _ propagation.TextMapPropagator = Propagator{}

func (Propagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	h, ok := DistributedTraceHeaders(ctx)
	if !ok || !h.Valid() {
		return
	}
	carrier.Set(HeaderTraceID, h.TraceID)
	if h.ParentSpanID != "" {
		carrier.Set(HeaderParentSpanID, h.ParentSpanID)
	}
}

func (Propagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	h := DistributedHeaders{
		TraceID:      strings.TrimSpace(carrier.Get(HeaderTraceID)),
		ParentSpanID: strings.TrimSpace(carrier.Get(HeaderParentSpanID)),
	}
	return ContextWithDistributedHeaders(ctx, h)
}

func (Propagator) Fields() []string {
	return []string{HeaderTraceID, HeaderParentSpanID}
}
