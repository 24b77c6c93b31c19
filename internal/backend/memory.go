package backend

import (
	"context"

	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/processor"
)

// Memory applies batches to an in-process recorder. It backs the memory
// backend driver and tests.
type Memory struct {
	recorder *processor.Recorder
}

func NewMemory() *Memory {
	return &Memory{recorder: processor.NewRecorder()}
}

func (m *Memory) WriteBatch(ctx context.Context, batch []message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range batch {
		m.recorder.Process(msg)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Recorder exposes the state reconstructed from every delivered batch.
func (m *Memory) Recorder() *processor.Recorder {
	return m.recorder
}
