package llmtrace

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestStartSpanScope(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	spanCtx, scope := StartSpan(ctx, "retrieve", Type(SpanTypeTool), Input(map[string]any{"query": "q"}))
	if CurrentSpan(spanCtx) != scope.Span() {
		t.Fatal("scope span should be current in the returned context")
	}
	if CurrentSpan(ctx) != nil {
		t.Fatal("caller context must not see the span")
	}
	scope.SetOutput([]string{"doc-1"})
	scope.End(nil)
	scope.End(errors.New("ignored"))

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.Type != string(SpanTypeTool) {
		t.Fatalf("type=%q, want tool", span.Type)
	}
	if !reflect.DeepEqual(span.Output, map[string]any{"output": []string{"doc-1"}}) {
		t.Fatalf("output=%v, want output=[doc-1]", span.Output)
	}
	if span.ErrorInfo != nil {
		t.Fatalf("second End must be ignored, got error info %+v", span.ErrorInfo)
	}
}

func TestStartTraceOverridesContextTrace(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	_, _ = Track(ctx, func(ctx context.Context) (int, error) {
		outer := CurrentTrace(ctx)
		traceCtx, scope := StartTrace(ctx, "manual", Tags("manual"))
		defer scope.End(nil)
		if CurrentTrace(traceCtx) == outer || CurrentTrace(traceCtx) != scope.Trace() {
			t.Errorf("manual trace should replace the context trace")
		}
		if CurrentSpan(traceCtx) != nil {
			t.Errorf("manual trace should have no current span")
		}
		_, _ = Track(traceCtx, func(ctx context.Context) (int, error) { return 1, nil }, Name("inside"))
		return 0, nil
	}, Name("outer"))

	traces := flushTraces(t, client, mem)
	if len(traces) != 2 {
		t.Fatalf("traces=%d, want 2", len(traces))
	}
	var manual *TraceTree
	for _, tr := range traces {
		if tr.Name == "manual" {
			manual = tr
		}
	}
	if manual == nil || len(manual.Spans) != 1 || manual.Spans[0].Name != "inside" {
		t.Fatalf("manual trace=%v, want one span inside", manual)
	}
	if !reflect.DeepEqual(manual.Tags, []string{"manual"}) {
		t.Fatalf("tags=%v, want [manual]", manual.Tags)
	}
}

func TestWithSpanRecordsError(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	want := errors.New("tool failed")
	err := WithSpan(ctx, "tool", func(ctx context.Context, span *SpanData) error {
		span.Update(SpanUpdate{Metadata: map[string]any{"attempt": 1}})
		return want
	})
	if err != want {
		t.Fatalf("err=%v, want %v", err, want)
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.ErrorInfo == nil || span.ErrorInfo.Message != "tool failed" {
		t.Fatalf("error info=%+v, want tool failed", span.ErrorInfo)
	}
	if span.Metadata["attempt"] != 1 {
		t.Fatalf("metadata=%v, want attempt=1", span.Metadata)
	}
}

func TestWithTraceClosesOnPanic(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	func() {
		defer func() { _ = recover() }()
		_ = WithTrace(ctx, "session", func(ctx context.Context, trace *TraceData) error {
			trace.SetThreadID("thread-9")
			panic("trace boom")
		})
	}()

	trace := singleTrace(t, flushTraces(t, client, mem))
	if trace.EndTime == nil || trace.ErrorInfo == nil || trace.ThreadID != "thread-9" {
		t.Fatalf("trace end=%v error=%+v thread=%q, want closed with error", trace.EndTime, trace.ErrorInfo, trace.ThreadID)
	}
}

func TestScopeMethodsAreNilSafe(t *testing.T) {
	t.Parallel()

	var scope *Scope
	scope.SetOutput(1)
	scope.End(nil)
	if scope.Span() != nil || scope.Trace() != nil {
		t.Fatal("nil scope should expose nothing")
	}
}
