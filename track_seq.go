package llmtrace

import (
	"context"
	"iter"
	"runtime"
	"sync"
)

// TrackSeq tracks a sequence. Every range over the returned sequence is one
// tracked call: the span opens when iteration starts and closes exactly
// once, on exhaustion, on the first break of the consumer or on a panic.
// Yielded items become the output, {"output": items} unless an Aggregate
// option is set. The first error yielded is recorded on the span; items
// keep flowing to the consumer.
func TrackSeq[T any](ctx context.Context, gen func(ctx context.Context) iter.Seq2[T, error], opts ...TrackOption) iter.Seq2[T, error] {
	cfg := newTrackConfig(defaultSpanName, opts)
	return trackSeq(ctx, cfg, cfg.input, gen)
}

// WrapSeq is the sequence form of Wrap.
func WrapSeq[In, T any](gen func(ctx context.Context, in In) iter.Seq2[T, error], opts ...TrackOption) func(ctx context.Context, in In, callOpts ...CallOption) iter.Seq2[T, error] {
	base := newTrackConfig(defaultSpanName, opts)
	return func(ctx context.Context, in In, callOpts ...CallOption) iter.Seq2[T, error] {
		cfg := base.withCall(callOpts)
		return trackSeq(ctx, cfg, inputMap(cfg.inputName, in), func(ctx context.Context) iter.Seq2[T, error] {
			return gen(ctx, in)
		})
	}
}

func trackSeq[T any](ctx context.Context, cfg trackConfig, input map[string]any, gen func(ctx context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		inv, runCtx := openInvocation(ctx, cfg, input)
		if inv == nil {
			for item, err := range gen(runCtx) {
				if !yield(item, err) {
					return
				}
			}
			return
		}

		var (
			items    []T
			firstErr error
		)
		out := capturePanic(func() outcome {
			for item, err := range gen(runCtx) {
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					items = append(items, item)
				}
				if !yield(item, err) {
					break
				}
			}
			return outcome{hasOutput: true, err: firstErr}
		})
		if !out.panicked && firstErr == nil {
			out.output = aggregateItems(cfg, items)
		} else {
			out.hasOutput = false
		}
		inv.close(out)
		if out.panicked {
			panic(out.panicVal)
		}
	}
}

func aggregateItems[T any](cfg trackConfig, items []T) any {
	if fn, ok := cfg.aggregate.(func([]T) any); ok {
		return fn(items)
	}
	if items == nil {
		items = []T{}
	}
	return items
}

// Generator pulls items from a tracked sequence one at a time. Close it
// when done; a Generator dropped without Close is closed on a best-effort
// basis after it is garbage collected, recording the items seen so far.
type Generator[T any] struct {
	next    func() (T, error, bool)
	stop    func()
	cleanup runtime.Cleanup
	once    sync.Once
}

// NewGenerator starts a pull-style tracked sequence. The span opens on the
// first call to Next.
func NewGenerator[T any](ctx context.Context, gen func(ctx context.Context) iter.Seq2[T, error], opts ...TrackOption) *Generator[T] {
	next, stop := iter.Pull2(TrackSeq(ctx, gen, opts...))
	g := &Generator[T]{next: next, stop: stop}
	g.cleanup = runtime.AddCleanup(g, stopQuietly, stop)
	return g
}

// Next returns the next item. ok is false once the sequence is exhausted
// or the generator is closed.
func (g *Generator[T]) Next() (item T, err error, ok bool) {
	return g.next()
}

// Close stops the sequence and closes its span with the items produced so
// far. It is safe to call more than once.
func (g *Generator[T]) Close() {
	g.once.Do(func() {
		g.cleanup.Stop()
		g.stop()
	})
}

func stopQuietly(stop func()) {
	defer func() { _ = recover() }()
	stop()
}
