package spool

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ongoingai/llmtrace/internal/message"
)

func TestPostgresStoreRoundTripsEntries(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LLMTRACE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LLMTRACE_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})

	ctx := context.Background()
	if _, err := store.Purge(ctx); err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	if err := store.Append(ctx, []message.Message{
		&message.CreateTrace{ID: "pg-t1"},
		&message.UpdateTrace{ID: "pg-t1", Name: "done"},
	}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	entries, err := store.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if len(entries) != 2 || entries[0].Message.Kind() != message.KindCreateTrace {
		t.Fatalf("entries=%v, want create then update", entries)
	}
	if err := store.Ack(ctx, []int64{entries[0].ID, entries[1].ID}); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Depth != 0 {
		t.Fatalf("depth=%d, want 0", stats.Depth)
	}
}
