package llmtrace

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
)

func TestWrapNestedCallsBuildOneTraceWithChild(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)

	fInner := Wrap(func(ctx context.Context, x string) (string, error) {
		return "inner-output", nil
	}, Name("f_inner"), InputName("x"))
	fOuter := Wrap(func(ctx context.Context, x string) (string, error) {
		if _, err := fInner(ctx, "inner-input"); err != nil {
			return "", err
		}
		return "outer-output", nil
	}, Name("f_outer"), InputName("x"))

	got, err := fOuter(ctx, "outer-input")
	if err != nil {
		t.Fatalf("f_outer error: %v", err)
	}
	if got != "outer-output" {
		t.Fatalf("result=%q, want outer-output", got)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	if trace.Name != "f_outer" {
		t.Fatalf("trace name=%q, want f_outer", trace.Name)
	}
	if !reflect.DeepEqual(trace.Input, map[string]any{"x": "outer-input"}) {
		t.Fatalf("trace input=%v, want x=outer-input", trace.Input)
	}
	if !reflect.DeepEqual(trace.Output, map[string]any{"output": "outer-output"}) {
		t.Fatalf("trace output=%v, want output=outer-output", trace.Output)
	}
	if len(trace.Spans) != 1 || trace.Spans[0].Name != "f_outer" {
		t.Fatalf("root spans=%v, want single f_outer", trace.Spans)
	}
	children := trace.Spans[0].Spans
	if len(children) != 1 {
		t.Fatalf("children=%d, want 1", len(children))
	}
	inner := children[0]
	if inner.Name != "f_inner" {
		t.Fatalf("child name=%q, want f_inner", inner.Name)
	}
	if !reflect.DeepEqual(inner.Input, map[string]any{"x": "inner-input"}) {
		t.Fatalf("child input=%v, want x=inner-input", inner.Input)
	}
	if !reflect.DeepEqual(inner.Output, map[string]any{"output": "inner-output"}) {
		t.Fatalf("child output=%v, want output=inner-output", inner.Output)
	}
	if inner.TraceID != trace.ID || inner.ParentSpanID != trace.Spans[0].ID {
		t.Fatalf("child links trace=%q parent=%q, want %q %q", inner.TraceID, inner.ParentSpanID, trace.ID, trace.Spans[0].ID)
	}
}

func TestTrackRecordsOutputAndTiming(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	_, err := Track(ctx, func(ctx context.Context) (int, error) {
		time.Sleep(2 * time.Millisecond)
		return 42, nil
	}, Name("compute"), Input(map[string]any{"n": 6}))
	if err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	span := trace.Spans[0]
	if !reflect.DeepEqual(span.Output, map[string]any{"output": 42}) {
		t.Fatalf("output=%v, want output=42", span.Output)
	}
	if !reflect.DeepEqual(span.Input, map[string]any{"n": 6}) {
		t.Fatalf("input=%v, want n=6", span.Input)
	}
	if span.EndTime == nil || !span.EndTime.After(span.StartTime) {
		t.Fatalf("end=%v start=%v, want end after start", span.EndTime, span.StartTime)
	}
	if trace.EndTime == nil {
		t.Fatal("trace end time missing")
	}
}

type validationError struct{ field string }

func (e *validationError) Error() string { return "invalid " + e.field }

func TestTrackRecordsErrorAndReturnsItUnchanged(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	want := &validationError{field: "prompt"}
	_, err := Track(ctx, func(ctx context.Context) (string, error) {
		return "", want
	}, Name("validate"))
	if err != want {
		t.Fatalf("err=%v, want the original error value", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	span := trace.Spans[0]
	if span.ErrorInfo == nil {
		t.Fatal("span error info missing")
	}
	if span.ErrorInfo.ExceptionType != "validationError" {
		t.Fatalf("exception_type=%q, want validationError", span.ErrorInfo.ExceptionType)
	}
	if span.ErrorInfo.Message != "invalid prompt" {
		t.Fatalf("message=%q, want invalid prompt", span.ErrorInfo.Message)
	}
	if span.Output != nil {
		t.Fatalf("output=%v, want none on error", span.Output)
	}
	if trace.ErrorInfo == nil || trace.ErrorInfo.ExceptionType != "validationError" {
		t.Fatalf("trace error info=%v, want validationError", trace.ErrorInfo)
	}
}

func TestTrackRecordsPanicAndRepanicsSameValue(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	func() {
		defer func() {
			r := recover()
			if r != "boom" {
				t.Fatalf("recovered=%v, want boom", r)
			}
		}()
		_, _ = Track(ctx, func(ctx context.Context) (int, error) {
			panic("boom")
		}, Name("explode"))
	}()

	trace := singleTrace(t, flushTraces(t, client, mem))
	info := trace.Spans[0].ErrorInfo
	if info == nil || info.ExceptionType != "panic" || info.Message != "boom" {
		t.Fatalf("error info=%+v, want panic boom", info)
	}
	if info.Traceback == "" {
		t.Fatal("traceback should hold the panic stack")
	}
}

func TestTrackPanicWithErrorValueUsesItsType(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	panicErr := fmt.Errorf("wrapped: %w", errors.New("inner"))
	func() {
		defer func() { _ = recover() }()
		_, _ = Track(ctx, func(ctx context.Context) (int, error) {
			panic(panicErr)
		})
	}()

	info := singleTrace(t, flushTraces(t, client, mem)).Spans[0].ErrorInfo
	if info == nil || info.ExceptionType != "wrapError" || info.Message != "wrapped: inner" {
		t.Fatalf("error info=%+v, want wrapError", info)
	}
}

func TestCaptureSwitchesOmitInputAndOutput(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	secret := Wrap(func(ctx context.Context, key string) (string, error) {
		return "token", nil
	}, Name("secret"), CaptureInput(false), CaptureOutput(false))
	if _, err := secret(ctx, "password"); err != nil {
		t.Fatalf("secret error: %v", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	if trace.Input != nil || trace.Output != nil {
		t.Fatalf("trace input=%v output=%v, want none", trace.Input, trace.Output)
	}
	if span := trace.Spans[0]; span.Input != nil || span.Output != nil {
		t.Fatalf("span input=%v output=%v, want none", span.Input, span.Output)
	}
}

func TestMapValuesAreRecordedAsIs(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	fn := Wrap(func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"answer": in["question"]}, nil
	})
	if _, err := fn(ctx, map[string]any{"question": "q"}); err != nil {
		t.Fatalf("call error: %v", err)
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.Name != "track" {
		t.Fatalf("default name=%q, want track", span.Name)
	}
	if !reflect.DeepEqual(span.Input, map[string]any{"question": "q"}) {
		t.Fatalf("input=%v, want question=q", span.Input)
	}
	if !reflect.DeepEqual(span.Output, map[string]any{"answer": "q"}) {
		t.Fatalf("output=%v, want answer=q", span.Output)
	}
}

func TestCreateDuplicateRootSpanDisabled(t *testing.T) {
	t.Parallel()

	t.Run("no parent creates only the trace", func(t *testing.T) {
		t.Parallel()
		ctx, client, mem := clientContext(t)
		_, err := Track(ctx, func(ctx context.Context) (string, error) {
			if CurrentSpan(ctx) != nil {
				t.Errorf("span should not exist")
			}
			if CurrentTrace(ctx) == nil {
				t.Errorf("trace should exist")
			}
			return "done", nil
		}, Name("root"), CreateDuplicateRootSpan(false))
		if err != nil {
			t.Fatalf("Track() error: %v", err)
		}
		trace := singleTrace(t, flushTraces(t, client, mem))
		if len(trace.Spans) != 0 {
			t.Fatalf("spans=%d, want 0", len(trace.Spans))
		}
		if !reflect.DeepEqual(trace.Output, map[string]any{"output": "done"}) {
			t.Fatalf("trace output=%v, want output=done", trace.Output)
		}
	})

	t.Run("inside a trace attaches a child", func(t *testing.T) {
		t.Parallel()
		ctx, client, mem := clientContext(t)
		_, err := Track(ctx, func(ctx context.Context) (int, error) {
			return Track(ctx, func(ctx context.Context) (int, error) { return 1, nil },
				Name("child"), CreateDuplicateRootSpan(false))
		}, Name("parent"))
		if err != nil {
			t.Fatalf("Track() error: %v", err)
		}
		trace := singleTrace(t, flushTraces(t, client, mem))
		if len(trace.Spans) != 1 || len(trace.Spans[0].Spans) != 1 {
			t.Fatalf("tree=%v, want parent with one child", trace.Spans)
		}
	})

	t.Run("distributed headers still create the span", func(t *testing.T) {
		t.Parallel()
		ctx, client, mem := clientContext(t)
		h := DistributedHeaders{TraceID: newID(), ParentSpanID: newID()}
		_, err := Track(ctx, func(ctx context.Context) (int, error) { return 1, nil },
			Name("remote"), CreateDuplicateRootSpan(false), WithDistributedHeaders(h))
		if err != nil {
			t.Fatalf("Track() error: %v", err)
		}
		if traces := flushTraces(t, client, mem); len(traces) != 0 {
			t.Fatalf("traces=%d, want 0", len(traces))
		}
		spans := mem.Recorder().SpanTrees(h.TraceID)
		if len(spans) != 1 || spans[0].ParentSpanID != h.ParentSpanID {
			t.Fatalf("spans=%v, want one child of %s", spans, h.ParentSpanID)
		}
	})
}

func TestWithArgsMergesIntoSpanAndTrace(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	fn := Wrap(func(ctx context.Context, q string) (string, error) {
		args, ok := CallArgsFromContext(ctx)
		if !ok || args.Args == nil || args.Args.Trace.ThreadID != "conv-1" {
			t.Errorf("call args=%+v ok=%v, want thread conv-1", args, ok)
		}
		return q, nil
	}, Name("chat"), Tags("base"), Metadata(map[string]any{"model": "m1"}))

	_, err := fn(ctx, "hi", WithArgs(Args{
		Span:  SpanArgs{Tags: []string{"base", "extra"}, Metadata: map[string]any{"temperature": 0.2}},
		Trace: TraceArgs{ThreadID: "conv-1", Tags: []string{"session"}, Metadata: map[string]any{"user": "u1"}},
	}))
	if err != nil {
		t.Fatalf("call error: %v", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	if trace.ThreadID != "conv-1" {
		t.Fatalf("thread_id=%q, want conv-1", trace.ThreadID)
	}
	if !reflect.DeepEqual(trace.Tags, []string{"base", "session"}) {
		t.Fatalf("trace tags=%v, want [base session]", trace.Tags)
	}
	if trace.Metadata["user"] != "u1" || trace.Metadata["model"] != "m1" {
		t.Fatalf("trace metadata=%v, want user and model", trace.Metadata)
	}
	span := trace.Spans[0]
	if !reflect.DeepEqual(span.Tags, []string{"base", "extra"}) {
		t.Fatalf("span tags=%v, want [base extra]", span.Tags)
	}
	if span.Metadata["temperature"] != 0.2 || span.Metadata["model"] != "m1" {
		t.Fatalf("span metadata=%v, want temperature and model", span.Metadata)
	}
}

func TestCallArgsAbsentWithoutDirectives(t *testing.T) {
	t.Parallel()

	ctx, _, _ := clientContext(t)
	_, _ = Track(ctx, func(ctx context.Context) (int, error) {
		if _, ok := CallArgsFromContext(ctx); ok {
			t.Errorf("CallArgsFromContext ok=true, want false")
		}
		return 0, nil
	})
}

func TestNestedSpansInheritProject(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	_, err := Track(ctx, func(ctx context.Context) (int, error) {
		return Track(ctx, func(ctx context.Context) (int, error) { return 1, nil },
			Name("child"), ProjectName("other"))
	}, Name("parent"), ProjectName("research"))
	if err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	if trace.ProjectName != "research" {
		t.Fatalf("trace project=%q, want research", trace.ProjectName)
	}
	if child := trace.Spans[0].Spans[0]; child.ProjectName != "research" {
		t.Fatalf("child project=%q, want research", child.ProjectName)
	}
}

func TestDefaultProjectComesFromConfig(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t, func(cfg *Config) { cfg.ProjectName = "from-config" })
	_, _ = Track(ctx, func(ctx context.Context) (int, error) { return 1, nil })
	if got := singleTrace(t, flushTraces(t, client, mem)).ProjectName; got != "from-config" {
		t.Fatalf("project=%q, want from-config", got)
	}
}

func TestFlushOptionDeliversWhenCallReturns(t *testing.T) {
	t.Parallel()

	ctx, _, mem := clientContext(t)
	_, _ = Track(ctx, func(ctx context.Context) (int, error) { return 1, nil }, Flush(true))
	if got := len(mem.Recorder().Traces()); got != 1 {
		t.Fatalf("delivered traces=%d, want 1 without an explicit flush", got)
	}
}

func TestLogStartEmitsCreateAtOpen(t *testing.T) {
	t.Parallel()

	ctx, client, _ := clientContext(t, func(cfg *Config) { cfg.Tracking.LogStartTraceSpan = true })
	capture, err := client.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture() error: %v", err)
	}
	defer capture.Stop()

	_, _ = Track(ctx, func(ctx context.Context) (int, error) {
		kinds := messageKinds(capture.Messages())
		want := []message.Kind{message.KindCreateTrace, message.KindCreateSpan}
		if !reflect.DeepEqual(kinds, want) {
			t.Errorf("kinds at open=%v, want %v", kinds, want)
		}
		return 7, nil
	}, Name("eager"))

	kinds := messageKinds(capture.Messages())
	want := []message.Kind{message.KindCreateTrace, message.KindCreateSpan, message.KindUpdateSpan, message.KindUpdateTrace}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("kinds=%v, want %v", kinds, want)
	}
	trace := singleTrace(t, capture.Traces())
	if !reflect.DeepEqual(trace.Spans[0].Output, map[string]any{"output": 7}) {
		t.Fatalf("captured output=%v, want output=7", trace.Spans[0].Output)
	}
}

func messageKinds(msgs []Message) []message.Kind {
	kinds := make([]message.Kind, 0, len(msgs))
	for _, msg := range msgs {
		kinds = append(kinds, msg.Kind())
	}
	return kinds
}

// runWorkload drives the same operations against a client with the given
// merge setting and returns the state the backend ends up with.
func runWorkload(t *testing.T, merge bool) []*TraceTree {
	t.Helper()
	ctx, client, mem := clientContext(t, func(cfg *Config) {
		cfg.Batching.Merge = merge
		cfg.Tracking.LogStartTraceSpan = true
	})

	var traceID string
	_, err := Track(ctx, func(ctx context.Context) (string, error) {
		traceID = CurrentTrace(ctx).ID()
		UpdateCurrentTrace(ctx, TraceUpdate{Tags: []string{"workload"}, Metadata: map[string]any{"merge": "ignored"}})
		for i := range 3 {
			_, _ = Track(ctx, func(ctx context.Context) (int, error) {
				UpdateCurrentSpan(ctx, SpanUpdate{Type: SpanTypeTool, Metadata: map[string]any{"i": i}, Usage: map[string]any{"prompt_tokens": 10, "completion_tokens": 5}})
				CurrentSpan(ctx).AddFeedbackScore(FeedbackScore{Name: "quality", Value: 1})
				return i, nil
			}, Name(fmt.Sprintf("step-%d", i)))
		}
		return "ok", nil
	}, Name("workload"))
	if err != nil {
		t.Fatalf("workload error: %v", err)
	}
	traces := flushTraces(t, client, mem)
	if len(traces) != 1 || traces[0].ID != traceID {
		t.Fatalf("traces=%d, want the workload trace", len(traces))
	}
	return traces
}

func TestLogAtStartKeepsSpanUpdatesMadeWhileOpen(t *testing.T) {
	t.Parallel()

	final := func(logAtStart bool) []any {
		ctx, client, mem := clientContext(t, func(cfg *Config) {
			cfg.Tracking.LogStartTraceSpan = logAtStart
		})
		_, err := Track(ctx, func(ctx context.Context) (string, error) {
			UpdateCurrentSpan(ctx, SpanUpdate{Type: SpanTypeLLM, Model: "gpt-4o-mini", Provider: "openai"})
			return "done", nil
		}, Name("call_llm"))
		if err != nil {
			t.Fatalf("Track() error: %v", err)
		}
		span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
		return []any{span.Name, span.Type, span.Model, span.Provider, span.Output, span.EndTime != nil}
	}

	plain := final(false)
	announced := final(true)
	if !reflect.DeepEqual(announced, plain) {
		t.Fatalf("log-at-start span=%v, want %v", announced, plain)
	}
	if plain[1] != string(SpanTypeLLM) {
		t.Fatalf("span type=%v, want %q", plain[1], SpanTypeLLM)
	}
}

func TestMergeDoesNotChangeFinalState(t *testing.T) {
	t.Parallel()

	merged := runWorkload(t, true)
	unmerged := runWorkload(t, false)

	normalize := func(trees []*TraceTree) []any {
		var out []any
		for _, tree := range trees {
			out = append(out, tree.Name, tree.Input, tree.Output, tree.Tags, tree.EndTime != nil)
			var walk func([]*SpanTree)
			walk = func(spans []*SpanTree) {
				for _, span := range spans {
					scores := make([]string, 0, len(span.FeedbackScores))
					for _, score := range span.FeedbackScores {
						scores = append(scores, score.Name)
					}
					out = append(out, span.Name, span.Type, span.Input, span.Output, span.Metadata, span.Usage, span.EndTime != nil, scores)
					walk(span.Spans)
				}
			}
			walk(tree.Spans)
		}
		return out
	}
	if got, want := normalize(merged), normalize(unmerged); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged state=%v\nunmerged state=%v", got, want)
	}
}

func TestClientLevelDisableSkipsTracking(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t, func(cfg *Config) { cfg.Tracking.Disabled = true })
	got, err := Track(ctx, func(ctx context.Context) (int, error) {
		if CurrentSpan(ctx) != nil {
			t.Errorf("span should not exist")
		}
		return 3, nil
	})
	if err != nil || got != 3 {
		t.Fatalf("Track()=(%d, %v), want (3, nil)", got, err)
	}
	if traces := flushTraces(t, client, mem); len(traces) != 0 {
		t.Fatalf("traces=%d, want 0", len(traces))
	}
}

func TestTypeNameStripsPointers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value any
		want  string
	}{
		{value: &validationError{}, want: "validationError"},
		{value: validationError{}, want: "validationError"},
		{value: errors.New("x"), want: "errorString"},
		{value: nil, want: "nil"},
	}
	for _, tt := range tests {
		if got := typeName(tt.value); got != tt.want {
			t.Fatalf("typeName(%T)=%q, want %q", tt.value, got, tt.want)
		}
	}
}
