package llmtrace

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrEmptyStack is returned when popping a span or trace that is not on
// top of the context's stack.
var ErrEmptyStack = errors.New("llmtrace: context stack is empty")

var trackingDisabled atomic.Bool

// SetTrackingDisabled turns every tracked call into a plain call. While
// disabled, CurrentSpan and CurrentTrace return nil and no messages are
// emitted.
func SetTrackingDisabled(disabled bool) {
	trackingDisabled.Store(disabled)
}

// TrackingDisabled reports whether tracking is globally disabled.
func TrackingDisabled() bool {
	return trackingDisabled.Load()
}

// frame is one immutable entry of the per-context stack. A frame either
// opens a trace (span nil), opens a span inside the current trace, or
// carries remote distributed headers. Contexts derived from one another
// share the frames below their own top, so goroutines that branch from a
// common context never see each other's pushes.
type frame struct {
	trace  *TraceData
	span   *SpanData
	remote *DistributedHeaders
	prev   *frame
}

type stackKey struct{}

func topFrame(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(stackKey{}).(*frame)
	return f
}

func withFrame(ctx context.Context, f *frame) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, stackKey{}, f)
}

// withTrace makes t the current trace with no current span.
func withTrace(ctx context.Context, t *TraceData) context.Context {
	if t == nil || TrackingDisabled() {
		return ctx
	}
	return withFrame(ctx, &frame{trace: t, prev: topFrame(ctx)})
}

// withSpan makes s the current span. The current trace is kept only when it
// owns s; spans continued from distributed headers have no local trace.
func withSpan(ctx context.Context, s *SpanData) context.Context {
	if s == nil || TrackingDisabled() {
		return ctx
	}
	top := topFrame(ctx)
	var trace *TraceData
	if top != nil && top.trace != nil && top.trace.id == s.traceID {
		trace = top.trace
	}
	return withFrame(ctx, &frame{trace: trace, span: s, prev: top})
}

// withRemote records distributed headers as the parent for the next span.
func withRemote(ctx context.Context, h DistributedHeaders) context.Context {
	if TrackingDisabled() {
		return ctx
	}
	return withFrame(ctx, &frame{remote: &h, prev: topFrame(ctx)})
}

// popSpan returns ctx with s removed from the top of the stack.
func popSpan(ctx context.Context, s *SpanData) (context.Context, error) {
	top := topFrame(ctx)
	if top == nil || top.span == nil || (s != nil && top.span != s) {
		return ctx, ErrEmptyStack
	}
	return withFrame(ctx, top.prev), nil
}

// popTrace returns ctx with the trace frame of t removed.
func popTrace(ctx context.Context, t *TraceData) (context.Context, error) {
	top := topFrame(ctx)
	if top == nil || top.span != nil || top.trace == nil || (t != nil && top.trace != t) {
		return ctx, ErrEmptyStack
	}
	return withFrame(ctx, top.prev), nil
}

func currentSpan(ctx context.Context) *SpanData {
	if top := topFrame(ctx); top != nil {
		return top.span
	}
	return nil
}

func currentTrace(ctx context.Context) *TraceData {
	if top := topFrame(ctx); top != nil {
		return top.trace
	}
	return nil
}

func currentRemote(ctx context.Context) *DistributedHeaders {
	if top := topFrame(ctx); top != nil {
		return top.remote
	}
	return nil
}
