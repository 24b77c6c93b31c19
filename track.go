package llmtrace

import "context"

const defaultSpanName = "track"

// Track runs fn as a tracked call. The span is a child of the current span
// in ctx, or the root span of a new trace when ctx carries none. Errors and
// panics from fn are recorded and then returned or re-panicked unchanged.
func Track[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...TrackOption) (T, error) {
	cfg := newTrackConfig(defaultSpanName, opts)
	return runTracked(ctx, cfg, cfg.input, fn)
}

// Wrap returns a tracked version of fn. The argument is recorded as
// {InputName: in} and the result as {"output": out}; map[string]any values
// are recorded as they are.
//
//	answer := llmtrace.Wrap(func(ctx context.Context, q string) (string, error) {
//		return "42", nil
//	}, llmtrace.Name("answer"))
//	out, err := answer(ctx, "what is the answer?")
func Wrap[In, Out any](fn func(ctx context.Context, in In) (Out, error), opts ...TrackOption) func(ctx context.Context, in In, callOpts ...CallOption) (Out, error) {
	base := newTrackConfig(defaultSpanName, opts)
	return func(ctx context.Context, in In, callOpts ...CallOption) (Out, error) {
		cfg := base.withCall(callOpts)
		return runTracked(ctx, cfg, inputMap(cfg.inputName, in), func(ctx context.Context) (Out, error) {
			return fn(ctx, in)
		})
	}
}

func runTracked[T any](ctx context.Context, cfg trackConfig, input map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	inv, runCtx := openInvocation(ctx, cfg, input)
	if inv == nil {
		return fn(runCtx)
	}

	var (
		result T
		err    error
	)
	out := capturePanic(func() outcome {
		result, err = fn(runCtx)
		return outcome{output: result, hasOutput: err == nil, err: err}
	})
	inv.close(out)
	if out.panicked {
		panic(out.panicVal)
	}
	return result, err
}
