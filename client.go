package llmtrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ongoingai/llmtrace/internal/backend"
	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/observability"
	"github.com/ongoingai/llmtrace/internal/processor"
	"github.com/ongoingai/llmtrace/internal/sender"
	"github.com/ongoingai/llmtrace/internal/spool"
	"github.com/ongoingai/llmtrace/internal/version"
)

// ErrClientClosed is returned by operations on a client after Shutdown.
var ErrClientClosed = errors.New("llmtrace: client is closed")

// ConfigEnv names the environment variable holding the config file path
// used by the default client.
const ConfigEnv = "LLMTRACE_CONFIG"

type (
	Config    = config.Config
	Message   = message.Message
	TraceTree = processor.TraceTree
	SpanTree  = processor.SpanTree
)

// Backend receives flushed batches in enqueue order.
type Backend interface {
	WriteBatch(ctx context.Context, batch []Message) error
}

func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML config file and applies LLMTRACE_* environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

type clientOptions struct {
	backend Backend
	logger  *slog.Logger
}

// Option configures New.
type Option func(*clientOptions)

// WithBackend replaces the backend selected by the configuration.
func WithBackend(b Backend) Option {
	return func(o *clientOptions) { o.backend = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// Client owns the message pipeline: the processor chain, the batching
// sender and the backend behind it.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	runtime *observability.Runtime
	backend backend.Backend
	spool   spool.Store
	sender  *sender.Sender
	chain   *processor.Chain

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and starts a client. The returned client flushes in
// the background until Shutdown.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var o clientOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runtime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, logger, cfg.Backend.APIKey)
	if err != nil {
		return nil, fmt.Errorf("setup opentelemetry: %w", err)
	}

	b, err := newBackend(cfg, o.backend, runtime, logger)
	if err != nil {
		_ = runtime.Shutdown(ctx)
		return nil, err
	}

	store, err := spool.Open(cfg.Spool)
	if err != nil {
		_ = runtime.Shutdown(ctx)
		return nil, fmt.Errorf("open spool: %w", err)
	}

	s := sender.New(b, sender.Options{
		Merge:           cfg.Batching.Merge,
		MaxBatchSize:    cfg.Batching.MaxBatchSize,
		FlushInterval:   cfg.Batching.FlushInterval(),
		QueueCapacity:   cfg.Batching.QueueCapacity,
		Spool:           store,
		ReplayBatchSize: cfg.Spool.ReplayBatchSize,
		Logger:          logger,
	})
	s.SetMetrics(runtime.SenderMetrics())
	scrubber := runtime.Scrubber()
	s.SetFailureHandler(func(failure sender.Failure) {
		if failure.FailedCount <= 0 {
			return
		}
		runtime.RecordDeliveryFailure(failure)
		errText := ""
		if failure.Err != nil {
			errText = scrubber.Scrub(failure.Err.Error())
		}
		logger.Warn(
			"trace delivery failed",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"spooled", failure.Spooled,
			"error", errText,
		)
	})

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		runtime: runtime,
		backend: b,
		spool:   store,
		sender:  s,
		chain:   processor.NewChain(logger, s),
	}
	s.Start(context.WithoutCancel(ctx))
	return c, nil
}

func newBackend(cfg Config, override Backend, runtime *observability.Runtime, logger *slog.Logger) (backend.Backend, error) {
	if override != nil {
		return override, nil
	}
	return backend.FromConfig(cfg, runtime.WrapHTTPTransport(nil), logger)
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	if c == nil {
		return config.Default()
	}
	return c.cfg
}

// Flush delivers every buffered message before returning.
func (c *Client) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.sender.Flush(ctx)
}

// Shutdown flushes pending messages and releases the spool and telemetry
// providers. Messages produced after Shutdown are dropped.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		var errs []error
		if err := c.sender.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sender: %w", err))
		}
		if c.spool != nil {
			if err := c.spool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spool: %w", err))
			}
		}
		if err := c.runtime.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown opentelemetry: %w", err))
		}
		c.shutdownErr = errors.Join(errs...)
	})
	return c.shutdownErr
}

func (c *Client) enqueue(msg message.Message) {
	if c == nil || msg == nil || c.closed.Load() {
		return
	}
	c.chain.Process(msg)
}

func (c *Client) log() *slog.Logger {
	if c == nil {
		return slog.Default()
	}
	return logOrDefault(c.logger)
}

func (c *Client) projectName() string {
	if c == nil {
		return ""
	}
	return c.cfg.ProjectName
}

func (c *Client) trackingDisabled() bool {
	return TrackingDisabled() || (c != nil && c.cfg.Tracking.Disabled)
}

func (c *Client) logStart() bool {
	return c != nil && c.cfg.Tracking.LogStartTraceSpan
}

// Capture is a local capture session. It observes every message the client
// produces from StartCapture until Stop.
type Capture struct {
	chain    *processor.Chain
	recorder *processor.Recorder
	once     sync.Once
}

// StartCapture begins recording messages in memory. Only one session can be
// active on a client; a second one returns processor.ErrCaptureActive.
func (c *Client) StartCapture() (*Capture, error) {
	if c == nil {
		return nil, ErrClientClosed
	}
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	recorder, err := c.chain.StartCapture()
	if err != nil {
		return nil, err
	}
	return &Capture{chain: c.chain, recorder: recorder}, nil
}

// ErrCaptureActive is returned by StartCapture while a session is running.
var ErrCaptureActive = processor.ErrCaptureActive

func (c *Capture) Stop() {
	if c == nil {
		return
	}
	c.once.Do(func() { c.chain.StopCapture(c.recorder) })
}

// Traces returns the captured traces as trees of spans.
func (c *Capture) Traces() []*TraceTree {
	if c == nil {
		return nil
	}
	return c.recorder.Traces()
}

// Spans returns the span trees of one captured trace, including spans
// whose trace was created elsewhere.
func (c *Capture) Spans(traceID string) []*SpanTree {
	if c == nil {
		return nil
	}
	return c.recorder.SpanTrees(traceID)
}

// Messages returns every captured message in arrival order.
func (c *Capture) Messages() []Message {
	if c == nil {
		return nil
	}
	return c.recorder.Messages()
}

// Diagnostics is a snapshot of the delivery pipeline.
type Diagnostics struct {
	Sender        sender.Diagnostics `json:"sender"`
	Spool         *spool.Stats       `json:"spool,omitempty"`
	CaptureActive bool               `json:"capture_active"`
}

func (c *Client) Diagnostics(ctx context.Context) Diagnostics {
	if c == nil {
		return Diagnostics{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	diag := Diagnostics{
		Sender:        c.sender.Diagnostics(),
		CaptureActive: c.chain.CaptureActive(),
	}
	if c.spool != nil {
		stats, err := c.spool.Stats(ctx)
		if err != nil {
			c.log().Warn("failed to read spool stats", "error", err)
		} else {
			diag.Spool = &stats
		}
	}
	return diag
}

// ScoreEntry is a feedback score for an already created span or trace.
type ScoreEntry struct {
	ID           string
	Name         string
	Value        float64
	Reason       string
	CategoryName string
	ProjectName  string
}

// LogSpanFeedbackScores sends scores for spans by id.
func (c *Client) LogSpanFeedbackScores(scores []ScoreEntry) error {
	msg, err := c.scoresBatch(scores)
	if err != nil || msg == nil {
		return err
	}
	c.enqueue(&message.AddSpanFeedbackScoresBatch{Scores: msg})
	return nil
}

// LogTraceFeedbackScores sends scores for traces by id.
func (c *Client) LogTraceFeedbackScores(scores []ScoreEntry) error {
	msg, err := c.scoresBatch(scores)
	if err != nil || msg == nil {
		return err
	}
	c.enqueue(&message.AddTraceFeedbackScoresBatch{Scores: msg})
	return nil
}

func (c *Client) scoresBatch(scores []ScoreEntry) ([]message.FeedbackScore, error) {
	if c == nil || c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(scores) == 0 {
		return nil, nil
	}
	out := make([]message.FeedbackScore, 0, len(scores))
	for i, score := range scores {
		if strings.TrimSpace(score.ID) == "" || strings.TrimSpace(score.Name) == "" {
			return nil, fmt.Errorf("score %d: id and name are required", i)
		}
		project := score.ProjectName
		if project == "" {
			project = c.projectName()
		}
		wire := message.NewFeedbackScore(score.ID, project, score.Name, score.Value, score.Reason)
		wire.CategoryName = score.CategoryName
		out = append(out, wire)
	}
	return out, nil
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client, building it on first use from
// the file named by LLMTRACE_CONFIG and the environment. A configuration
// that fails to load or validate falls back to an in-memory backend so
// instrumented code keeps running.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return defaultClient
	}

	logger := slog.Default()
	cfg, err := config.Load(os.Getenv(ConfigEnv))
	if err != nil {
		logger.Warn("failed to load llmtrace config; using defaults", "error", err)
		cfg = config.Default()
	}
	client, err := New(context.Background(), cfg, WithLogger(logger))
	if err != nil {
		logger.Warn("failed to start llmtrace client; using in-memory backend", "error", err)
		fallback := config.Default()
		fallback.Backend.Driver = config.BackendDriverMemory
		client, err = New(context.Background(), fallback, WithLogger(logger))
		if err != nil {
			logger.Error("failed to start fallback llmtrace client", "error", err)
			return nil
		}
	}
	defaultClient = client
	return defaultClient
}

// SetDefault replaces the process-wide client. It does not shut down the
// previous one.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}

type clientKey struct{}

// ContextWithClient makes c the client for tracked calls under ctx.
func ContextWithClient(ctx context.Context, c *Client) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientKey{}, c)
}

// resolveClient picks the client from an option, then the context, then
// the process default.
func resolveClient(ctx context.Context, explicit *Client) *Client {
	if explicit != nil {
		return explicit
	}
	if ctx != nil {
		if c, ok := ctx.Value(clientKey{}).(*Client); ok && c != nil {
			return c
		}
	}
	return Default()
}
