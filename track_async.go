package llmtrace

import (
	"context"
	"sync"
)

// Future is the pending result of a tracked call started with Go.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	result T
	err    error

	panicked bool
	panicVal any
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(result T, err error, out outcome) {
	f.once.Do(func() {
		f.result, f.err = result, err
		f.panicked, f.panicVal = out.panicked, out.panicVal
		close(f.done)
	})
}

// Done is closed when the call has finished and its span is closed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call finishes or ctx is done. A panic in the call
// is re-raised in the waiting goroutine with the original value.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	if f.panicked {
		panic(f.panicVal)
	}
	return f.result, f.err
}

// Go runs fn in a new goroutine as a tracked call. The span opens in the
// calling goroutine, so it nests under the caller's current span even when
// the caller moves on before fn is scheduled. Spans opened by sibling
// goroutines never see each other as parents.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...TrackOption) *Future[T] {
	cfg := newTrackConfig(defaultSpanName, opts)
	return goTracked(ctx, cfg, cfg.input, fn)
}

// WrapAsync is the asynchronous form of Wrap.
func WrapAsync[In, Out any](fn func(ctx context.Context, in In) (Out, error), opts ...TrackOption) func(ctx context.Context, in In, callOpts ...CallOption) *Future[Out] {
	base := newTrackConfig(defaultSpanName, opts)
	return func(ctx context.Context, in In, callOpts ...CallOption) *Future[Out] {
		cfg := base.withCall(callOpts)
		return goTracked(ctx, cfg, inputMap(cfg.inputName, in), func(ctx context.Context) (Out, error) {
			return fn(ctx, in)
		})
	}
}

func goTracked[T any](ctx context.Context, cfg trackConfig, input map[string]any, fn func(ctx context.Context) (T, error)) *Future[T] {
	future := newFuture[T]()
	inv, runCtx := openInvocation(ctx, cfg, input)

	go func() {
		var (
			result T
			err    error
		)
		out := capturePanic(func() outcome {
			result, err = fn(runCtx)
			return outcome{output: result, hasOutput: err == nil, err: err}
		})
		inv.close(out)
		future.resolve(result, err, out)
	}()
	return future
}
