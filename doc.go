// Package llmtrace records executions of LLM application code as traces of
// nested spans and delivers them to a collection backend.
//
// Tracking is explicit. Wrap a function once and call the wrapper:
//
//	summarize := llmtrace.Wrap(func(ctx context.Context, doc string) (string, error) {
//		return callModel(ctx, doc)
//	}, llmtrace.Type(llmtrace.SpanTypeLLM), llmtrace.InputName("doc"))
//
//	out, err := summarize(ctx, text)
//
// or track a single call with Track, Go, TrackSeq or TrackStream. Each call
// opens a span (and a trace when none is active in ctx), passes a derived
// context to the function so nested tracked calls become children, and
// closes the span exactly once however the function exits. Errors and
// panics are recorded and returned or re-raised unchanged.
//
// The current span and trace live in the context.Context, so goroutines
// that derive their own contexts never corrupt each other's nesting.
// DistributedHeaders carry a span across goroutines or processes.
//
// Finished spans and traces become wire messages that a Client buffers,
// merges and flushes in batches. Call Client.Flush to force delivery and
// Client.Shutdown before exit.
package llmtrace
