package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(_ context.Context) error { return nil }

func (e *recordingExporter) Spans() []sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), e.spans...)
}

// exportOne pushes stub through a scrubbing exporter and returns what the
// wrapped exporter received.
func exportOne(t *testing.T, scrubber *Scrubber, stub tracetest.SpanStub) sdktrace.ReadOnlySpan {
	t.Helper()
	stub.SpanContext = trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{1},
	})
	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner, scrubber)
	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	spans := inner.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(spans))
	}
	return spans[0]
}

func TestScrubbingExporterAttributes(t *testing.T) {
	t.Parallel()

	span := exportOne(t, nil, tracetest.SpanStub{
		Name: "llmtrace.sender.deliver",
		Attributes: []attribute.KeyValue{
			attribute.String("llmtrace.deliver.error", "POST /v1/private/traces/batch: key sk_live_abc123def456 rejected"),
			attribute.String("llmtrace.deliver.error_class", "rejected"),
			attribute.Int("llmtrace.deliver.batch_size", 5),
		},
	})

	attrs := spanAttrMap(span)
	tests := map[string]string{
		"llmtrace.deliver.error":       "POST /v1/private/traces/batch: key [CREDENTIAL_REDACTED] rejected",
		"llmtrace.deliver.error_class": "rejected",
		"llmtrace.deliver.batch_size":  "5",
	}
	for key, want := range tests {
		if got := attrs[key]; got != want {
			t.Fatalf("%s=%q, want %q", key, got, want)
		}
	}
}

func TestScrubbingExporterEventsAndStatus(t *testing.T) {
	t.Parallel()

	span := exportOne(t, nil, tracetest.SpanStub{
		Name: "llmtrace.spool.append",
		Events: []sdktrace.Event{{
			Name:       "error",
			Time:       time.Now(),
			Attributes: []attribute.KeyValue{attribute.String("error.detail", "dial postgres://spool:hunter2secret@db:5432 failed")},
		}},
		Status: sdktrace.Status{
			Code:        codes.Error,
			Description: "spool write failed: password=supersecret123",
		},
	})

	events := span.Events()
	if len(events) != 1 || len(events[0].Attributes) != 1 {
		t.Fatalf("events=%v, want one event with one attribute", events)
	}
	if detail := events[0].Attributes[0].Value.AsString(); ContainsCredential(detail) {
		t.Fatalf("event detail=%q still contains a credential", detail)
	}
	status := span.Status()
	if ContainsCredential(status.Description) {
		t.Fatalf("status description=%q still contains a credential", status.Description)
	}
	if status.Code != codes.Error {
		t.Fatalf("status code=%v, want %v", status.Code, codes.Error)
	}
}

func TestScrubbingExporterRedactsConfiguredAPIKey(t *testing.T) {
	t.Parallel()

	span := exportOne(t, NewScrubber("workspace-key-123456"), tracetest.SpanStub{
		Name: "llmtrace.sender.deliver",
		Status: sdktrace.Status{
			Code:        codes.Error,
			Description: "PUT /v1/private/spans/feedback-scores: 401 unknown key workspace-key-123456",
		},
	})

	want := "PUT /v1/private/spans/feedback-scores: 401 unknown key [CREDENTIAL_REDACTED]"
	if got := span.Status().Description; got != want {
		t.Fatalf("status description=%q, want %q", got, want)
	}
}

func TestScrubbingExporterShutdownDelegates(t *testing.T) {
	t.Parallel()

	exporter := newScrubbingExporter(&recordingExporter{}, nil)
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
