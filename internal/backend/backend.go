// Package backend delivers flushed message batches to a collection
// backend.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ongoingai/llmtrace/internal/message"
)

var ErrStatus = errors.New("unexpected backend status")

// Backend delivers one flushed batch. Messages must be applied in order.
type Backend interface {
	WriteBatch(ctx context.Context, batch []message.Message) error
}

// Pinger is implemented by backends that can check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusError reports a non-2xx response. It matches ErrStatus.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// PartialError reports that the first Delivered messages of a batch were
// applied before Err stopped delivery.
type PartialError struct {
	Delivered int
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivered %d messages before failure: %v", e.Delivered, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Delivered returns how many leading messages of a failed batch were
// applied. It is zero unless err carries a PartialError.
func Delivered(err error) int {
	var partial *PartialError
	if errors.As(err, &partial) {
		return partial.Delivered
	}
	return 0
}
