package llmtrace

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// ErrStreamClosed is the cancellation cause seen by a producer whose
// consumer closed the stream.
var ErrStreamClosed = errors.New("llmtrace: stream closed by consumer")

// Stream delivers the items of a tracked producer running in its own
// goroutine. The span closes exactly once: when the producer returns,
// fails, panics, or stops after Close or cancellation of its context.
type Stream[T any] struct {
	items  chan T
	done   chan struct{}
	cancel context.CancelCauseFunc

	// Set by the producer goroutine before items is closed.
	err      error
	panicked bool
	panicVal any

	closeOnce sync.Once
}

// TrackStream starts produce in a new goroutine as a tracked call. Each
// value passed to emit is handed to the consumer; emit returns an error
// once the consumer has closed the stream or ctx is done, and produce
// should return then. Emitted items become the span output the same way
// TrackSeq records them. A consumer Close is not recorded as an error.
func TrackStream[T any](ctx context.Context, produce func(ctx context.Context, emit func(T) error) error, opts ...TrackOption) *Stream[T] {
	cfg := newTrackConfig(defaultSpanName, opts)
	return trackStream(ctx, cfg, cfg.input, produce)
}

// WrapStream is the stream form of Wrap.
func WrapStream[In, T any](produce func(ctx context.Context, in In, emit func(T) error) error, opts ...TrackOption) func(ctx context.Context, in In, callOpts ...CallOption) *Stream[T] {
	base := newTrackConfig(defaultSpanName, opts)
	return func(ctx context.Context, in In, callOpts ...CallOption) *Stream[T] {
		cfg := base.withCall(callOpts)
		return trackStream(ctx, cfg, inputMap(cfg.inputName, in), func(ctx context.Context, emit func(T) error) error {
			return produce(ctx, in, emit)
		})
	}
}

func trackStream[T any](ctx context.Context, cfg trackConfig, input map[string]any, produce func(ctx context.Context, emit func(T) error) error) *Stream[T] {
	inv, runCtx := openInvocation(ctx, cfg, input)
	prodCtx, cancel := context.WithCancelCause(runCtx)
	s := &Stream[T]{
		items:  make(chan T),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer cancel(nil)

		var sent []T
		emit := func(item T) error {
			select {
			case s.items <- item:
				sent = append(sent, item)
				return nil
			case <-prodCtx.Done():
				return context.Cause(prodCtx)
			}
		}

		out := capturePanic(func() outcome {
			err := produce(prodCtx, emit)
			if errors.Is(err, ErrStreamClosed) || (err != nil && errors.Is(context.Cause(prodCtx), ErrStreamClosed)) {
				err = nil
			}
			return outcome{hasOutput: err == nil, err: err}
		})
		if out.hasOutput {
			out.output = aggregateItems(cfg, sent)
		}
		inv.close(out)

		s.err = out.err
		s.panicked, s.panicVal = out.panicked, out.panicVal
		close(s.items)
	}()
	return s
}

// Recv returns the next item, io.EOF once the producer has finished, or the
// producer's error. A producer panic is re-raised here with its value.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case item, ok := <-s.items:
		if ok {
			return item, nil
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if s.panicked {
		panic(s.panicVal)
	}
	if s.err != nil {
		return zero, s.err
	}
	return zero, io.EOF
}

// Close stops the producer and waits for it to return. The span keeps the
// items received so far. Close returns the producer's error, if any.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() { s.cancel(ErrStreamClosed) })
	<-s.done
	return s.err
}

// All ranges over the remaining items. Breaking out of the loop closes
// the stream.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := s.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(item, err)
				return
			}
			if !yield(item, nil) {
				_ = s.Close()
				return
			}
		}
	}
}
