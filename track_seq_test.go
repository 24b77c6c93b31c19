package llmtrace

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

func countTo(n int) func(ctx context.Context) iter.Seq2[int, error] {
	return func(ctx context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			for i := 1; i <= n; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}
	}
}

func TestTrackSeqRecordsItemsOnExhaustion(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	var got []int
	for v, err := range TrackSeq(ctx, countTo(3), Name("count")) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
		got = append(got, v)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("items=%v, want [1 2 3]", got)
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if !reflect.DeepEqual(span.Output, map[string]any{"output": []int{1, 2, 3}}) {
		t.Fatalf("output=%v, want output=[1 2 3]", span.Output)
	}
}

func TestTrackSeqBreakKeepsPartialOutput(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	for v := range TrackSeq(ctx, countTo(10), Name("count")) {
		if v == 2 {
			break
		}
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.EndTime == nil {
		t.Fatal("span should be closed after break")
	}
	if !reflect.DeepEqual(span.Output, map[string]any{"output": []int{1, 2}}) {
		t.Fatalf("output=%v, want output=[1 2]", span.Output)
	}
	if span.ErrorInfo != nil {
		t.Fatalf("error info=%+v, want none", span.ErrorInfo)
	}
}

func TestTrackSeqAggregate(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	tokens := func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, tok := range []string{"hel", "lo"} {
				if !yield(tok, nil) {
					return
				}
			}
		}
	}
	for range TrackSeq(ctx, tokens, Name("stream"), Aggregate(func(items []string) any {
		return strings.Join(items, "")
	})) {
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if !reflect.DeepEqual(span.Output, map[string]any{"output": "hello"}) {
		t.Fatalf("output=%v, want output=hello", span.Output)
	}
}

func TestTrackSeqRecordsFirstError(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	boom := errors.New("chunk failed")
	gen := func(ctx context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			if !yield(1, nil) {
				return
			}
			yield(0, boom)
		}
	}
	var errs []error
	for _, err := range TrackSeq(ctx, gen) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 || errs[0] != boom {
		t.Fatalf("errs=%v, want [%v]", errs, boom)
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.ErrorInfo == nil || span.ErrorInfo.Message != "chunk failed" {
		t.Fatalf("error info=%+v, want chunk failed", span.ErrorInfo)
	}
}

func TestTrackSeqInnerGeneratorNestsUnderOuter(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	fInner := WrapSeq(func(ctx context.Context, x string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			yield("inner-output", nil)
		}
	}, Name("f_inner"), InputName("x"))

	_, err := Track(ctx, func(ctx context.Context) (string, error) {
		for _, err := range fInner(ctx, "inner-input") {
			if err != nil {
				return "", err
			}
		}
		return "outer-output", nil
	}, Name("f_outer"))
	if err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	trace := singleTrace(t, flushTraces(t, client, mem))
	children := trace.Spans[0].Spans
	if len(children) != 1 || children[0].Name != "f_inner" {
		t.Fatalf("children=%v, want single f_inner", children)
	}
	if !reflect.DeepEqual(children[0].Input, map[string]any{"x": "inner-input"}) {
		t.Fatalf("input=%v, want x=inner-input", children[0].Input)
	}
}

func TestTrackSeqSpanIsCurrentInsideGenerator(t *testing.T) {
	t.Parallel()

	ctx, _, _ := clientContext(t)
	gen := func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			yield(CurrentSpan(ctx).Name(), nil)
		}
	}
	for name := range TrackSeq(ctx, gen, Name("gen")) {
		if name != "gen" {
			t.Fatalf("current span=%q, want gen", name)
		}
	}
}

func TestTrackSeqPanicIsRecordedAndRaised(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	gen := func(ctx context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			panic("generator boom")
		}
	}
	func() {
		defer func() {
			if r := recover(); r != "generator boom" {
				t.Fatalf("recovered=%v, want generator boom", r)
			}
		}()
		for range TrackSeq(ctx, gen) {
		}
	}()

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if span.ErrorInfo == nil || span.ErrorInfo.ExceptionType != "panic" {
		t.Fatalf("error info=%+v, want panic", span.ErrorInfo)
	}
}

func TestGeneratorPullsAndCloses(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	g := NewGenerator(ctx, countTo(5), Name("pull"))
	for want := 1; want <= 2; want++ {
		v, err, ok := g.Next()
		if !ok || err != nil || v != want {
			t.Fatalf("Next()=(%d, %v, %v), want (%d, nil, true)", v, err, ok, want)
		}
	}
	g.Close()
	g.Close()
	if _, _, ok := g.Next(); ok {
		t.Fatal("Next() after Close should report ok=false")
	}

	span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]
	if !reflect.DeepEqual(span.Output, map[string]any{"output": []int{1, 2}}) {
		t.Fatalf("output=%v, want output=[1 2]", span.Output)
	}
}

func TestGeneratorExhaustion(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	g := NewGenerator(ctx, countTo(2))
	defer g.Close()
	n := 0
	for {
		_, _, ok := g.Next()
		if !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Fatalf("items=%d, want 2", n)
	}
	if span := singleTrace(t, flushTraces(t, client, mem)).Spans[0]; span.EndTime == nil {
		t.Fatal("span should close on exhaustion")
	}
}

func TestGeneratorNeverStartedEmitsNothing(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	g := NewGenerator(ctx, countTo(2))
	g.Close()
	if traces := flushTraces(t, client, mem); len(traces) != 0 {
		t.Fatalf("traces=%d, want 0", len(traces))
	}
}

// pullAndDrop reads n items and returns without closing the generator.
func pullAndDrop(t *testing.T, ctx context.Context, n int) {
	t.Helper()
	g := NewGenerator(ctx, countTo(5), Name("dropped"))
	for range n {
		if _, err, ok := g.Next(); !ok || err != nil {
			t.Fatalf("Next()=(_, %v, %v), want (_, nil, true)", err, ok)
		}
	}
}

func TestGeneratorDroppedWithoutCloseIsClosedAfterGC(t *testing.T) {
	t.Parallel()

	ctx, client, mem := clientContext(t)
	pullAndDrop(t, ctx, 2)

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		traces := flushTraces(t, client, mem)
		if len(traces) == 1 && len(traces[0].Spans) == 1 && traces[0].Spans[0].EndTime != nil {
			span := traces[0].Spans[0]
			if !reflect.DeepEqual(span.Output, map[string]any{"output": []int{1, 2}}) {
				t.Fatalf("output=%v, want output=[1 2]", span.Output)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("dropped generator span was not closed after GC; traces=%d", len(traces))
		}
	}
}
