package llmtrace

import (
	"context"
	"sync"

	"github.com/ongoingai/llmtrace/internal/message"
)

// Scope is an explicitly opened span or trace. End it exactly once on
// every path, typically with defer; later calls are ignored.
type Scope struct {
	inv *invocation

	mu        sync.Mutex
	output    any
	hasOutput bool
}

// StartSpan opens a span under the current span or trace of ctx, or as
// the root span of a new trace. The returned context carries the span.
func StartSpan(ctx context.Context, name string, opts ...TrackOption) (context.Context, *Scope) {
	cfg := newTrackConfig(name, opts)
	inv, runCtx := openInvocation(ctx, cfg, cfg.input)
	return runCtx, &Scope{inv: inv}
}

// StartTrace always opens a new trace, replacing any trace or span in ctx
// for code running under the returned context. No span is created.
func StartTrace(ctx context.Context, name string, opts ...TrackOption) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := newTrackConfig(name, opts)
	client := resolveClient(ctx, cfg.client)
	runCtx := withCallArgs(ctx, cfg.call)
	if client.trackingDisabled() {
		return runCtx, &Scope{}
	}

	projectName := cfg.projectName
	if projectName == "" {
		projectName = client.projectName()
	}
	trace := newTraceData(client, name, projectName)
	if cfg.captureInput {
		trace.input = cloneMap(cfg.input)
	}
	trace.tags = message.AppendTags(nil, cfg.tags...)
	trace.metadata = cloneMap(cfg.metadata)
	if args := cfg.call.args; args != nil {
		trace.Update(TraceUpdate{
			ThreadID: args.Trace.ThreadID,
			Tags:     append(append([]string(nil), args.Trace.Tags...), args.Span.Tags...),
			Metadata: message.MergeMetadata(args.Trace.Metadata, args.Span.Metadata),
		})
	}
	if client.logStart() {
		trace.announce()
	}

	inv := &invocation{client: client, cfg: cfg, trace: trace}
	runCtx = withTrace(runCtx, trace)
	inv.ctx = runCtx
	inv.state.Store(int32(stateRunning))
	return runCtx, &Scope{inv: inv}
}

// Span returns the span of the scope, nil for trace scopes and when
// tracking is disabled.
func (s *Scope) Span() *SpanData {
	if s == nil || s.inv == nil {
		return nil
	}
	return s.inv.span
}

// Trace returns the trace the scope created, nil when the span belongs to
// an enclosing or remote trace.
func (s *Scope) Trace() *TraceData {
	if s == nil || s.inv == nil {
		return nil
	}
	return s.inv.trace
}

// SetOutput records v as the output written when the scope ends without
// an error.
func (s *Scope) SetOutput(v any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.output, s.hasOutput = v, true
	s.mu.Unlock()
}

// End closes the scope, recording err when it is non-nil.
func (s *Scope) End(err error) {
	if s == nil || s.inv == nil {
		return
	}
	s.mu.Lock()
	out := outcome{output: s.output, hasOutput: s.hasOutput && err == nil, err: err}
	s.mu.Unlock()
	s.inv.close(out)
}

func (s *Scope) endWith(out outcome) {
	if s == nil || s.inv == nil {
		return
	}
	if !out.failed() {
		s.mu.Lock()
		out.output, out.hasOutput = s.output, s.hasOutput
		s.mu.Unlock()
	}
	s.inv.close(out)
}

// WithSpan runs fn inside a new span and ends it on every exit path. fn's
// error is recorded and returned; a panic is recorded and re-raised.
func WithSpan(ctx context.Context, name string, fn func(ctx context.Context, span *SpanData) error, opts ...TrackOption) error {
	spanCtx, scope := StartSpan(ctx, name, opts...)
	out := capturePanic(func() outcome {
		return outcome{err: fn(spanCtx, scope.Span())}
	})
	scope.endWith(out)
	if out.panicked {
		panic(out.panicVal)
	}
	return out.err
}

// WithTrace runs fn inside a new trace with the same guarantees as
// WithSpan.
func WithTrace(ctx context.Context, name string, fn func(ctx context.Context, trace *TraceData) error, opts ...TrackOption) error {
	traceCtx, scope := StartTrace(ctx, name, opts...)
	out := capturePanic(func() outcome {
		return outcome{err: fn(traceCtx, scope.Trace())}
	})
	scope.endWith(out)
	if out.panicked {
		panic(out.panicVal)
	}
	return out.err
}
