// Package processor implements the ordered chain of message consumers: the
// network sender and the optional in-memory local capture.
package processor

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ongoingai/llmtrace/internal/message"
)

var ErrCaptureActive = errors.New("a local capture session is already active")

// Processor consumes messages. Implementations must not block on I/O.
type Processor interface {
	Process(msg message.Message)
}

// Func adapts a function to Processor.
type Func func(msg message.Message)

func (f Func) Process(msg message.Message) { f(msg) }

// Chain fans every message out to its links in order. A panicking link is
// logged and skipped so later links still observe the message.
type Chain struct {
	mu      sync.RWMutex
	links   []Processor
	capture *Recorder
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, links ...Processor) *Chain {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	chain := &Chain{logger: logger}
	for _, link := range links {
		if link != nil {
			chain.links = append(chain.links, link)
		}
	}
	return chain
}

// Append adds a link at the end of the chain.
func (c *Chain) Append(link Processor) {
	if c == nil || link == nil {
		return
	}
	c.mu.Lock()
	c.links = append(c.links, link)
	c.mu.Unlock()
}

func (c *Chain) Process(msg message.Message) {
	if c == nil || msg == nil {
		return
	}
	c.mu.RLock()
	links := c.links
	capture := c.capture
	c.mu.RUnlock()

	for _, link := range links {
		c.dispatch(link, msg)
	}
	if capture != nil {
		c.dispatch(capture, msg)
	}
}

func (c *Chain) dispatch(link Processor, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("message processor panicked", "kind", msg.Kind(), "panic", r)
		}
	}()
	link.Process(msg)
}

// StartCapture begins a local capture session. Only one session may be
// active on a chain at a time.
func (c *Chain) StartCapture() (*Recorder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != nil {
		return nil, ErrCaptureActive
	}
	c.capture = NewRecorder()
	return c.capture, nil
}

// StopCapture ends the session started by StartCapture. Stopping a recorder
// that is not the active one is a no-op.
func (c *Chain) StopCapture(recorder *Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == recorder {
		c.capture = nil
	}
}

// CaptureActive reports whether a local capture session is running.
func (c *Chain) CaptureActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capture != nil
}
