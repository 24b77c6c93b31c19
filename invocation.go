package llmtrace

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
)

type invocationState int32

const (
	stateIdle invocationState = iota
	stateOpening
	stateRunning
	stateClosingOK
	stateClosingError
	stateClosed
)

// invocation is one tracked call. It moves through its states exactly once
// whatever the exit path.
type invocation struct {
	client *Client
	cfg    trackConfig
	state  atomic.Int32

	// trace is set only when the invocation created it.
	trace *TraceData
	span  *SpanData
	ctx   context.Context
}

// outcome is how a tracked body ended.
type outcome struct {
	output    any
	hasOutput bool
	err       error
	panicked  bool
	panicVal  any
	stack     []byte
}

func (o outcome) failed() bool {
	return o.err != nil || o.panicked
}

// openInvocation resolves the parent of a new span, creates the span and
// trace it needs and returns the context user code runs under. A nil
// invocation means the call runs untracked.
func openInvocation(ctx context.Context, cfg trackConfig, input map[string]any) (inv *invocation, runCtx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx = withCallArgs(ctx, cfg.call)

	client := resolveClient(ctx, cfg.client)
	if client.trackingDisabled() {
		return nil, runCtx
	}

	defer func() {
		if r := recover(); r != nil {
			client.log().Warn("failed to open tracked span", "name", cfg.name, "panic", r)
			inv, runCtx = nil, withCallArgs(ctx, cfg.call)
		}
	}()

	inv = &invocation{client: client, cfg: cfg}
	inv.state.Store(int32(stateOpening))

	if !cfg.captureInput {
		input = nil
	}

	var (
		parentTraceID string
		parentSpanID  string
		projectName   string
		ownerTrace    *TraceData
	)
	switch headers, span, trace := resolveParent(ctx, cfg.call); {
	case headers != nil:
		parentTraceID, parentSpanID = headers.TraceID, headers.ParentSpanID
		projectName = cfg.projectName
		if projectName == "" {
			projectName = client.projectName()
		}
	case span != nil:
		parentTraceID, parentSpanID = span.traceID, span.id
		projectName = inv.inheritProject(span.ProjectName())
		ownerTrace = currentTrace(ctx)
	case trace != nil:
		parentTraceID = trace.id
		projectName = inv.inheritProject(trace.ProjectName())
		ownerTrace = trace
	default:
		projectName = cfg.projectName
		if projectName == "" {
			projectName = client.projectName()
		}
		inv.trace = newTraceData(client, cfg.name, projectName)
		inv.trace.input = input
		inv.trace.tags = message.AppendTags(nil, cfg.tags...)
		inv.trace.metadata = cloneMap(cfg.metadata)
		parentTraceID = inv.trace.id
		ownerTrace = inv.trace
		runCtx = withTrace(runCtx, inv.trace)
	}

	if inv.trace == nil || cfg.createDuplicateRootSpan {
		inv.span = newSpanData(client, parentTraceID, parentSpanID, cfg.name, cfg.spanType, projectName)
		inv.span.input = input
		inv.span.tags = message.AppendTags(nil, cfg.tags...)
		inv.span.metadata = cloneMap(cfg.metadata)
		runCtx = withSpan(runCtx, inv.span)
	}

	if args := cfg.call.args; args != nil {
		inv.applyArgs(*args, ownerTrace)
	}

	if client.logStart() {
		inv.trace.announce()
		inv.span.announce()
	}

	inv.ctx = runCtx
	inv.state.Store(int32(stateRunning))
	return inv, runCtx
}

// resolveParent returns exactly one of: distributed headers, the current
// span or the current trace. Explicit headers win over the context.
func resolveParent(ctx context.Context, call callConfig) (*DistributedHeaders, *SpanData, *TraceData) {
	if call.headers != nil {
		return call.headers, nil, nil
	}
	if remote := currentRemote(ctx); remote != nil {
		return remote, nil, nil
	}
	if span := currentSpan(ctx); span != nil {
		return nil, span, nil
	}
	if trace := currentTrace(ctx); trace != nil {
		return nil, nil, trace
	}
	return nil, nil, nil
}

func (inv *invocation) inheritProject(parent string) string {
	if inv.cfg.projectName != "" && parent != "" && inv.cfg.projectName != parent {
		inv.client.log().Warn("ignoring project name of nested span; using the project of its trace",
			"name", inv.cfg.name,
			"project_name", parent,
			"ignored_project_name", inv.cfg.projectName,
		)
	}
	if parent == "" {
		if inv.cfg.projectName != "" {
			return inv.cfg.projectName
		}
		return inv.client.projectName()
	}
	return parent
}

func (inv *invocation) applyArgs(args Args, trace *TraceData) {
	target := inv.span
	if len(args.Span.Tags) > 0 || len(args.Span.Metadata) > 0 {
		if target != nil {
			target.Update(SpanUpdate{Tags: args.Span.Tags, Metadata: args.Span.Metadata})
		} else {
			trace.Update(TraceUpdate{Tags: args.Span.Tags, Metadata: args.Span.Metadata})
		}
	}
	if args.Trace.ThreadID == "" && len(args.Trace.Tags) == 0 && len(args.Trace.Metadata) == 0 {
		return
	}
	if trace == nil {
		inv.client.log().Warn("trace arguments ignored; span continues a remote trace", "name", inv.cfg.name)
		return
	}
	trace.Update(TraceUpdate{
		ThreadID: args.Trace.ThreadID,
		Tags:     args.Trace.Tags,
		Metadata: args.Trace.Metadata,
	})
}

// close finalizes the span and the trace the invocation created, emits
// their messages and reports whether this call performed the close.
func (inv *invocation) close(out outcome) bool {
	if inv == nil {
		return false
	}
	next := stateClosingOK
	if out.failed() {
		next = stateClosingError
	}
	if !inv.state.CompareAndSwap(int32(stateRunning), int32(next)) {
		return false
	}
	defer inv.state.Store(int32(stateClosed))
	defer func() {
		if r := recover(); r != nil {
			inv.client.log().Warn("failed to close tracked span", "name", inv.cfg.name, "panic", r)
		}
	}()

	end := time.Now().UTC()
	var output map[string]any
	if out.hasOutput && inv.cfg.captureOutput {
		output = outputMap(out.output)
	}
	info := errorInfoFor(out)

	if inv.span != nil {
		inv.span.Update(SpanUpdate{Output: output, ErrorInfo: info})
		if _, err := popSpan(inv.ctx, inv.span); err != nil {
			inv.client.log().Warn("span is not on top of its context", "name", inv.cfg.name, "error", err)
		}
		inv.span.finish(end)
	}
	if inv.trace != nil {
		if inv.span == nil {
			if _, err := popTrace(inv.ctx, inv.trace); err != nil {
				inv.client.log().Warn("trace is not on top of its context", "name", inv.cfg.name, "error", err)
			}
		}
		upd := TraceUpdate{Output: output, ErrorInfo: info}
		if inv.span != nil {
			upd.Output = inv.span.Output()
		}
		inv.trace.Update(upd)
		inv.trace.finish(end)
	}

	if inv.cfg.flush {
		if err := inv.client.Flush(context.Background()); err != nil {
			inv.client.log().Warn("flush after tracked call failed", "name", inv.cfg.name, "error", err)
		}
	}
	return true
}

// outputMap wraps v as {"output": v} unless it already is a map.
func outputMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return cloneMap(m)
	}
	return map[string]any{"output": v}
}

// inputMap records a wrapped function's argument under name.
func inputMap(name string, v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return cloneMap(m)
	}
	return map[string]any{name: v}
}

func errorInfoFor(out outcome) *ErrorInfo {
	switch {
	case out.panicked:
		info := &ErrorInfo{ExceptionType: "panic", Traceback: string(out.stack)}
		if err, ok := out.panicVal.(error); ok {
			info.ExceptionType = typeName(err)
			info.Message = err.Error()
		} else {
			info.Message = fmt.Sprint(out.panicVal)
		}
		return info
	case out.err != nil:
		return &ErrorInfo{
			ExceptionType: typeName(out.err),
			Message:       out.err.Error(),
			Traceback:     fmt.Sprintf("%+v", out.err),
		}
	default:
		return nil
	}
}

// typeName is the unqualified name of the dynamic type of v, without
// pointer indirection.
func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// capturePanic runs fn and converts a panic into an outcome. The caller
// re-panics with the recorded value after closing the invocation.
func capturePanic(fn func() outcome) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{panicked: true, panicVal: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

func cloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
