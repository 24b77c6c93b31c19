package llmtrace

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ongoingai/llmtrace/internal/backend"
	"github.com/ongoingai/llmtrace/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, mutate ...func(*Config)) (*Client, *backend.Memory) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend.Driver = config.BackendDriverMemory
	cfg.Batching.FlushIntervalMS = 60_000
	for _, fn := range mutate {
		fn(&cfg)
	}
	mem := backend.NewMemory()
	client, err := New(context.Background(), cfg, WithBackend(mem), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Shutdown(context.Background())
	})
	return client, mem
}

// clientContext returns a context bound to a fresh memory-backed client.
func clientContext(t *testing.T, mutate ...func(*Config)) (context.Context, *Client, *backend.Memory) {
	t.Helper()
	client, mem := newTestClient(t, mutate...)
	return ContextWithClient(context.Background(), client), client, mem
}

func flushTraces(t *testing.T, client *Client, mem *backend.Memory) []*TraceTree {
	t.Helper()
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	return mem.Recorder().Traces()
}

func singleTrace(t *testing.T, traces []*TraceTree) *TraceTree {
	t.Helper()
	if len(traces) != 1 {
		t.Fatalf("traces=%d, want 1", len(traces))
	}
	return traces[0]
}
