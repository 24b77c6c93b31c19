package llmtrace

import (
	"context"
	"maps"
	"slices"
)

// TrackOption configures a tracked function. Options passed to a wrapper
// constructor apply to every call of the wrapper.
type TrackOption interface {
	applyTrack(*trackConfig)
}

// CallOption is a per-call directive. It is consumed by the engine and
// never reaches the tracked function, which can read it back through
// CallArgsFromContext.
type CallOption interface {
	TrackOption
	applyCall(*callConfig)
}

type trackOptionFunc func(*trackConfig)

func (f trackOptionFunc) applyTrack(c *trackConfig) { f(c) }

type callOptionFunc func(*callConfig)

func (f callOptionFunc) applyCall(c *callConfig)   { f(c) }
func (f callOptionFunc) applyTrack(c *trackConfig) { f(&c.call) }

type trackConfig struct {
	name                    string
	spanType                SpanType
	tags                    []string
	metadata                map[string]any
	input                   map[string]any
	captureInput            bool
	captureOutput           bool
	projectName             string
	createDuplicateRootSpan bool
	inputName               string
	flush                   bool
	aggregate               any
	client                  *Client

	call callConfig
}

type callConfig struct {
	args    *Args
	headers *DistributedHeaders
}

func newTrackConfig(defaultName string, opts []TrackOption) trackConfig {
	cfg := trackConfig{
		name:                    defaultName,
		spanType:                SpanTypeGeneral,
		captureInput:            true,
		captureOutput:           true,
		createDuplicateRootSpan: true,
		inputName:               "input",
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTrack(&cfg)
		}
	}
	return cfg
}

// withCall returns a copy of c with per-call options applied on top.
func (c trackConfig) withCall(opts []CallOption) trackConfig {
	c.tags = slices.Clone(c.tags)
	c.metadata = maps.Clone(c.metadata)
	for _, opt := range opts {
		if opt != nil {
			opt.applyCall(&c.call)
		}
	}
	return c
}

// Name sets the span name. Wrappers default to "track".
func Name(name string) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		if name != "" {
			c.name = name
		}
	})
}

// Type sets the span type.
func Type(t SpanType) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		if t != "" {
			c.spanType = t
		}
	})
}

func Tags(tags ...string) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		c.tags = append(c.tags, tags...)
	})
}

func Metadata(metadata map[string]any) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any, len(metadata))
		}
		maps.Copy(c.metadata, metadata)
	})
}

// Input records input for calls that take no argument, such as Track.
func Input(input map[string]any) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		c.input = maps.Clone(input)
	})
}

// InputName is the key the argument of a wrapped function is recorded
// under. Defaults to "input"; map[string]any arguments are recorded as is.
func InputName(name string) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		if name != "" {
			c.inputName = name
		}
	})
}

func CaptureInput(enabled bool) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.captureInput = enabled })
}

func CaptureOutput(enabled bool) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.captureOutput = enabled })
}

// ProjectName sets the project of a new trace. Nested spans always inherit
// the project of their trace.
func ProjectName(name string) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.projectName = name })
}

// CreateDuplicateRootSpan controls whether a call with no active trace
// records a root span in addition to the new trace. Calls that carry
// distributed headers or run inside a trace always record a span.
func CreateDuplicateRootSpan(enabled bool) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.createDuplicateRootSpan = enabled })
}

// Flush makes each call flush the client after its span closes.
func Flush(enabled bool) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.flush = enabled })
}

// Aggregate sets how the items of a tracked sequence or stream become the
// span output. By default the output is {"output": items}.
func Aggregate[T any](fn func(items []T) any) TrackOption {
	return trackOptionFunc(func(c *trackConfig) {
		if fn != nil {
			c.aggregate = fn
		}
	})
}

// WithClient selects the client that receives the messages, overriding
// ContextWithClient and the default client.
func WithClient(client *Client) TrackOption {
	return trackOptionFunc(func(c *trackConfig) { c.client = client })
}

// Args are additive per-call directives for the opened span and its trace.
type Args struct {
	Span  SpanArgs
	Trace TraceArgs
}

type SpanArgs struct {
	Tags     []string
	Metadata map[string]any
}

// TraceArgs apply to the current trace. ThreadID can be set once per trace.
type TraceArgs struct {
	ThreadID string
	Tags     []string
	Metadata map[string]any
}

// WithArgs merges args into the span opened by the call and its trace.
func WithArgs(args Args) CallOption {
	return callOptionFunc(func(c *callConfig) {
		a := args
		c.args = &a
	})
}

// WithDistributedHeaders makes the call's span a child of the span h
// identifies, ignoring any parent in the context. Invalid headers are
// ignored.
func WithDistributedHeaders(h DistributedHeaders) CallOption {
	return callOptionFunc(func(c *callConfig) {
		if h.Valid() {
			headers := h
			c.headers = &headers
		}
	})
}

// CallArgs are the per-call directives a tracked call was invoked with.
type CallArgs struct {
	Args               *Args
	DistributedHeaders *DistributedHeaders
}

type callArgsKey struct{}

// CallArgsFromContext returns the directives of the innermost tracked call
// whose context ctx derives from.
func CallArgsFromContext(ctx context.Context) (CallArgs, bool) {
	if ctx == nil {
		return CallArgs{}, false
	}
	args, ok := ctx.Value(callArgsKey{}).(CallArgs)
	return args, ok
}

func withCallArgs(ctx context.Context, call callConfig) context.Context {
	if call.args == nil && call.headers == nil {
		if _, ok := CallArgsFromContext(ctx); !ok {
			return ctx
		}
	}
	return context.WithValue(ctx, callArgsKey{}, CallArgs{Args: call.args, DistributedHeaders: call.headers})
}
