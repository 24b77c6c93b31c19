// Package spool persists messages whose delivery failed so they can be
// replayed, oldest first, once the backend is reachable again.
package spool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/message"
)

// Entry is one spooled message. Message is nil when the stored payload can
// no longer be decoded; such entries should be acknowledged and dropped.
type Entry struct {
	ID        int64
	Message   message.Message
	Attempts  int
	CreatedAt time.Time
	DecodeErr error
}

type Stats struct {
	Driver   string           `json:"driver"`
	Depth    int64            `json:"depth"`
	ByKind   map[string]int64 `json:"by_kind,omitempty"`
	OldestAt *time.Time       `json:"oldest_at,omitempty"`
}

type Store interface {
	// Append stores msgs after every message already spooled.
	Append(ctx context.Context, msgs []message.Message) error
	// Peek returns up to limit entries in insertion order without removing them.
	Peek(ctx context.Context, limit int) ([]Entry, error)
	// Ack removes delivered entries.
	Ack(ctx context.Context, ids []int64) error
	// MarkAttempt records a failed replay of ids.
	MarkAttempt(ctx context.Context, ids []int64) error
	Stats(ctx context.Context) (Stats, error)
	Purge(ctx context.Context) (int64, error)
	Close() error
}

// Open returns the store selected by cfg, or nil when spooling is disabled.
func Open(cfg config.SpoolConfig) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", config.SpoolDriverNone:
		return nil, nil
	case config.SpoolDriverSQLite:
		store, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.SpoolDriverPostgres:
		store, err := NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported spool driver %q", cfg.Driver)
	}
}

type encodedMessage struct {
	kind     string
	entityID string
	payload  []byte
}

func encodeAll(msgs []message.Message) ([]encodedMessage, error) {
	out := make([]encodedMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		payload, err := message.Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("encode spool entry: %w", err)
		}
		out = append(out, encodedMessage{kind: string(msg.Kind()), entityID: msg.EntityID(), payload: payload})
	}
	return out, nil
}

func decodeEntry(id int64, payload []byte, attempts int, createdAt time.Time) Entry {
	entry := Entry{ID: id, Attempts: attempts, CreatedAt: createdAt}
	msg, err := message.Decode(payload)
	if err != nil {
		entry.DecodeErr = err
		return entry
	}
	entry.Message = msg
	return entry
}
