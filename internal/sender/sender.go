// Package sender buffers wire messages, collapses redundant ones and
// delivers them to a backend in batches.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/llmtrace/internal/backend"
	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/spool"
)

const (
	defaultMaxBatchSize    = 1000
	defaultFlushInterval   = time.Second
	defaultQueueCapacity   = 100000
	defaultReplayBatchSize = 500
	spoolTimeout           = 5 * time.Second
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

type Options struct {
	// Merge collapses Create+Update and Update+Update pairs for one entity
	// and concatenates adjacent feedback batches of one kind.
	Merge         bool
	MaxBatchSize  int
	FlushInterval time.Duration
	// QueueCapacity bounds the pending batch; messages beyond it are dropped.
	QueueCapacity int
	// Spool, when set, keeps messages whose delivery failed and replays them
	// before newer ones.
	Spool           spool.Store
	ReplayBatchSize int
	Logger          *slog.Logger
}

// Diagnostics captures queue pressure and delivery signals.
type Diagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueMergedTotal      int64            `json:"enqueue_merged_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	FlushesTotal            int64            `json:"flushes_total"`
	DeliveredTotal          int64            `json:"delivered_total"`
	DeliveryDroppedTotal    int64            `json:"delivery_dropped_total"`
	SpooledTotal            int64            `json:"spooled_total"`
	ReplayedTotal           int64            `json:"replayed_total"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastFailureAt           *time.Time       `json:"last_failure_at,omitempty"`
	LastFailureOperation    string           `json:"last_failure_operation,omitempty"`
	FailuresByClass         map[string]int64 `json:"failures_by_class,omitempty"`
}

// Failure describes messages that could not be delivered.
type Failure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
	// Spooled reports whether the failed messages were kept for replay.
	Spooled bool
}

// FailureHandler receives asynchronous delivery failure signals.
type FailureHandler func(Failure)

var noopFailureHandler = FailureHandler(func(Failure) {})

// Metrics holds optional callbacks the Sender invokes at key pipeline points.
type Metrics struct {
	// OnEnqueue is called for each accepted message, merged or not.
	OnEnqueue func()
	// OnDrop is called for each message rejected because the queue is full.
	OnDrop func()
	// OnFlush is called after each non-empty flush.
	OnFlush func(batchSize int, duration time.Duration)
	// OnDeliverStart is called before each backend call. The returned
	// function is called with the delivery result.
	OnDeliverStart func(batchSize int) func(error)
}

type Sender struct {
	backend backend.Backend
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	pending []message.Message
	index   map[string]int
	closed  bool

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	started      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc

	failureHandle atomic.Value // FailureHandler
	metrics       atomic.Value // *Metrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueMergedTotal      atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	flushesTotal            atomic.Int64
	deliveredTotal          atomic.Int64
	deliveryDroppedTotal    atomic.Int64
	spooledTotal            atomic.Int64
	replayedTotal           atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastFailureUnixNano     atomic.Int64
	lastFailureOperation    atomic.Value // string

	failureConnection atomic.Int64
	failureTimeout    atomic.Int64
	failureThrottled  atomic.Int64
	failureRejected   atomic.Int64
	failureUnknown    atomic.Int64
}

func New(b backend.Backend, opts Options) *Sender {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.ReplayBatchSize <= 0 {
		opts.ReplayBatchSize = defaultReplayBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Sender{
		backend: b,
		opts:    opts,
		logger:  logger,
		index:   make(map[string]int),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.failureHandle.Store(noopFailureHandler)
	s.metrics.Store(&Metrics{})
	s.lastFailureOperation.Store("")
	return s
}

// SetFailureHandler replaces the callback used for delivery failure signals.
func (s *Sender) SetFailureHandler(handler FailureHandler) {
	if s == nil {
		return
	}
	if handler == nil {
		handler = noopFailureHandler
	}
	s.failureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the pipeline.
func (s *Sender) SetMetrics(m *Metrics) {
	if s == nil {
		return
	}
	if m == nil {
		m = &Metrics{}
	}
	s.metrics.Store(m)
}

func (s *Sender) loadMetrics() *Metrics {
	m, _ := s.metrics.Load().(*Metrics)
	return m
}

// Process makes the sender a processor chain link.
func (s *Sender) Process(msg message.Message) {
	s.Enqueue(msg)
}

// Enqueue adds msg to the pending batch without blocking on I/O. It returns
// false when the sender is shut down or the queue is full.
func (s *Sender) Enqueue(msg message.Message) bool {
	if s == nil || msg == nil {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	merged := s.mergeLocked(msg)
	if !merged {
		if len(s.pending) >= s.opts.QueueCapacity {
			s.mu.Unlock()
			s.recordDrop()
			return false
		}
		s.pending = append(s.pending, msg)
		if key, ok := message.Key(msg); ok && s.opts.Merge {
			s.index[key] = len(s.pending) - 1
		}
	}
	depth := len(s.pending)
	s.mu.Unlock()

	s.enqueueAcceptedTotal.Add(1)
	if merged {
		s.enqueueMergedTotal.Add(1)
	}
	s.observeQueueDepth(depth)
	if m := s.loadMetrics(); m != nil && m.OnEnqueue != nil {
		m.OnEnqueue()
	}
	if depth >= s.opts.MaxBatchSize {
		s.signal()
	}
	return true
}

// mergeLocked folds msg into a buffered message for the same entity, or
// into the last buffered message when both are feedback batches of one kind.
func (s *Sender) mergeLocked(msg message.Message) bool {
	if !s.opts.Merge || len(s.pending) == 0 {
		return false
	}
	if key, ok := message.Key(msg); ok {
		pos, found := s.index[key]
		if !found {
			return false
		}
		merged, ok := message.Merge(s.pending[pos], msg)
		if !ok {
			return false
		}
		s.pending[pos] = merged
		return true
	}
	last := len(s.pending) - 1
	merged, ok := message.Merge(s.pending[last], msg)
	if !ok {
		return false
	}
	s.pending[last] = merged
	return true
}

func (s *Sender) recordDrop() {
	s.enqueueDroppedTotal.Add(1)
	s.observeQueueDepth(s.opts.QueueCapacity)
	s.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
	if m := s.loadMetrics(); m != nil && m.OnDrop != nil {
		m.OnDrop()
	}
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueLen returns the number of buffered messages.
func (s *Sender) QueueLen() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sender) takePending() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	if len(s.index) > 0 {
		s.index = make(map[string]int)
	}
	return batch
}

// Flush delivers everything buffered so far, after any spooled messages.
// Flushes are serialized; an empty flush makes no backend call. The
// returned error is informational: failures are also reported to the
// failure handler and never corrupt the pending state.
func (s *Sender) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	replayErr := s.replaySpool(ctx)
	batch := s.takePending()
	if len(batch) == 0 {
		return replayErr
	}

	start := time.Now()
	s.flushesTotal.Add(1)
	defer func() {
		if m := s.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if replayErr != nil && s.opts.Spool != nil {
		// Older spooled messages are still undelivered; queue behind them.
		s.spoolRemaining(ctx, "spool_behind_backlog", batch, replayErr)
		return replayErr
	}

	var errs []error
	for offset := 0; offset < len(batch); {
		end := min(offset+s.opts.MaxBatchSize, len(batch))
		chunk := batch[offset:end]
		err := s.deliver(ctx, chunk)
		if err == nil {
			offset = end
			continue
		}

		delivered := min(backend.Delivered(err), len(chunk))
		s.deliveredTotal.Add(int64(delivered))
		if s.opts.Spool != nil {
			s.spoolRemaining(ctx, "write_batch", batch[offset+delivered:], err)
			return err
		}
		s.reportFailure(Failure{
			Operation:   "write_batch",
			BatchSize:   len(chunk),
			FailedCount: len(chunk) - delivered,
			Err:         err,
		})
		errs = append(errs, err)
		offset = end
	}
	return errors.Join(errs...)
}

func (s *Sender) deliver(ctx context.Context, batch []message.Message) (err error) {
	if m := s.loadMetrics(); m != nil && m.OnDeliverStart != nil {
		end := m.OnDeliverStart(len(batch))
		defer func() {
			end(err)
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panicked: %v", r)
		}
	}()
	if err = s.backend.WriteBatch(ctx, batch); err == nil {
		s.deliveredTotal.Add(int64(len(batch)))
	}
	return err
}

// spoolRemaining persists undelivered messages in order. A spool write
// failure drops them.
func (s *Sender) spoolRemaining(ctx context.Context, operation string, remaining []message.Message, cause error) {
	if len(remaining) == 0 {
		return
	}
	spoolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spoolTimeout)
	defer cancel()

	failure := Failure{
		Operation:   operation,
		BatchSize:   len(remaining),
		FailedCount: len(remaining),
		Err:         cause,
	}
	if err := s.opts.Spool.Append(spoolCtx, remaining); err != nil {
		failure.Err = errors.Join(cause, fmt.Errorf("spool: %w", err))
	} else {
		failure.Spooled = true
		s.spooledTotal.Add(int64(len(remaining)))
	}
	s.reportFailure(failure)
}

// replaySpool delivers spooled messages oldest first. It stops at the
// first failure so newer messages are never delivered ahead of older ones.
func (s *Sender) replaySpool(ctx context.Context) error {
	if s.opts.Spool == nil {
		return nil
	}
	for {
		entries, err := s.opts.Spool.Peek(ctx, s.opts.ReplayBatchSize)
		if err != nil {
			return fmt.Errorf("read spool: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		msgs := make([]message.Message, 0, len(entries))
		ids := make([]int64, 0, len(entries))
		var corrupt []int64
		for _, entry := range entries {
			if entry.Message == nil {
				s.logger.Warn("dropping undecodable spool entry", "id", entry.ID, "error", entry.DecodeErr)
				corrupt = append(corrupt, entry.ID)
				continue
			}
			msgs = append(msgs, entry.Message)
			ids = append(ids, entry.ID)
		}
		if len(corrupt) > 0 {
			if err := s.opts.Spool.Ack(ctx, corrupt); err != nil {
				return fmt.Errorf("drop undecodable spool entries: %w", err)
			}
			s.deliveryDroppedTotal.Add(int64(len(corrupt)))
		}

		if len(msgs) > 0 {
			deliverErr := s.deliver(ctx, msgs)
			delivered := len(msgs)
			if deliverErr != nil {
				delivered = min(backend.Delivered(deliverErr), len(msgs))
				s.deliveredTotal.Add(int64(delivered))
			}
			if delivered > 0 {
				if err := s.opts.Spool.Ack(ctx, ids[:delivered]); err != nil {
					return fmt.Errorf("ack replayed spool entries: %w", err)
				}
				s.replayedTotal.Add(int64(delivered))
			}
			if deliverErr != nil {
				if err := s.opts.Spool.MarkAttempt(ctx, ids[delivered:]); err != nil {
					s.logger.Warn("failed to record spool replay attempt", "error", err)
				}
				s.reportFailure(Failure{
					Operation:   "replay_spool",
					BatchSize:   len(msgs),
					FailedCount: len(msgs) - delivered,
					Err:         deliverErr,
					Spooled:     true,
				})
				return deliverErr
			}
		}

		if len(entries) < s.opts.ReplayBatchSize {
			return nil
		}
	}
}

func (s *Sender) reportFailure(failure Failure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyError(failure.Err)
	count := int64(failure.FailedCount)
	if !failure.Spooled {
		s.deliveryDroppedTotal.Add(count)
	}
	s.lastFailureUnixNano.Store(time.Now().UTC().UnixNano())
	if failure.Operation != "" {
		s.lastFailureOperation.Store(failure.Operation)
	}
	switch failure.ErrorClass {
	case ErrorClassConnection:
		s.failureConnection.Add(count)
	case ErrorClassTimeout:
		s.failureTimeout.Add(count)
	case ErrorClassThrottled:
		s.failureThrottled.Add(count)
	case ErrorClassRejected:
		s.failureRejected.Add(count)
	default:
		s.failureUnknown.Add(count)
	}
	handler, ok := s.failureHandle.Load().(FailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Start runs the background flusher, triggered by the flush interval and
// by the pending batch reaching MaxBatchSize.
func (s *Sender) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	s.lifecycleMu.Lock()
	s.workerCancel = cancel
	s.lifecycleMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.markDone()

		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
			case <-s.wake:
			}
			_ = s.Flush(workerCtx)
		}
	}()
}

// Shutdown stops accepting messages, stops the background flusher and
// delivers what is still buffered.
func (s *Sender) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		if !s.started.Load() {
			s.markDone()
		}
	})

	select {
	case <-s.done:
		s.wg.Wait()
	case <-ctx.Done():
		s.cancelWorker()
		return ctx.Err()
	}
	s.cancelWorker()
	return s.Flush(ctx)
}

func (s *Sender) cancelWorker() {
	s.lifecycleMu.Lock()
	cancel := s.workerCancel
	s.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Sender) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// Diagnostics returns a point-in-time snapshot of queue pressure and
// delivery counters.
func (s *Sender) Diagnostics() Diagnostics {
	if s == nil {
		return Diagnostics{}
	}

	capacity := s.opts.QueueCapacity
	depth := s.QueueLen()
	highWatermark := int(s.queueDepthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilPct := queueUtilizationPct(depth, capacity)

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilPct,
		QueuePressureState:      queuePressureState(utilPct),
		EnqueueAcceptedTotal:    s.enqueueAcceptedTotal.Load(),
		EnqueueMergedTotal:      s.enqueueMergedTotal.Load(),
		EnqueueDroppedTotal:     s.enqueueDroppedTotal.Load(),
		FlushesTotal:            s.flushesTotal.Load(),
		DeliveredTotal:          s.deliveredTotal.Load(),
		DeliveryDroppedTotal:    s.deliveryDroppedTotal.Load(),
		SpooledTotal:            s.spooledTotal.Load(),
		ReplayedTotal:           s.replayedTotal.Load(),
	}
	if ts := s.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := s.lastFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastFailureAt = &last
	}
	if operation, ok := s.lastFailureOperation.Load().(string); ok {
		snapshot.LastFailureOperation = operation
	}

	byClass := make(map[string]int64)
	if v := s.failureConnection.Load(); v > 0 {
		byClass[ErrorClassConnection] = v
	}
	if v := s.failureTimeout.Load(); v > 0 {
		byClass[ErrorClassTimeout] = v
	}
	if v := s.failureThrottled.Load(); v > 0 {
		byClass[ErrorClassThrottled] = v
	}
	if v := s.failureRejected.Load(); v > 0 {
		byClass[ErrorClassRejected] = v
	}
	if v := s.failureUnknown.Load(); v > 0 {
		byClass[ErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.FailuresByClass = byClass
	}
	return snapshot
}

func (s *Sender) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := s.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if s.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
