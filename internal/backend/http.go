package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/version"
	"golang.org/x/time/rate"
)

const (
	defaultMaxBatchSize = 1000
	maxErrorBodyBytes   = 4 << 10
)

type HTTPOptions struct {
	BaseURL      string
	APIKey       string
	Workspace    string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit caps requests per second; zero disables pacing.
	RateLimit    float64
	Compress     bool
	MaxBatchSize int
	// Transport is the round tripper requests go through, typically an
	// instrumented one. Nil uses a pooled default transport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// HTTP delivers batches to the REST collection API. A batch is split into
// ordered segments: runs of creates of one entity kind are posted together,
// updates are patched one by one and feedback batches are put as a whole.
type HTTP struct {
	baseURL      *url.URL
	apiKey       string
	workspace    string
	compress     bool
	maxBatchSize int
	client       *retryablehttp.Client
	limiter      *rate.Limiter
}

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url must include scheme and host (got %q)", opts.BaseURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = opts.Logger
	}
	if opts.Transport != nil {
		client.HTTPClient.Transport = opts.Transport
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}

	return &HTTP{
		baseURL:      base,
		apiKey:       strings.TrimSpace(opts.APIKey),
		workspace:    strings.TrimSpace(opts.Workspace),
		compress:     opts.Compress,
		maxBatchSize: maxBatchSize,
		client:       client,
		limiter:      limiter,
	}, nil
}

type request struct {
	method string
	path   string
	body   any
	count  int
}

type traceBatchBody struct {
	Traces []*message.CreateTrace `json:"traces"`
}

type spanBatchBody struct {
	Spans []*message.CreateSpan `json:"spans"`
}

type scoresBody struct {
	Scores []message.FeedbackScore `json:"scores"`
}

func (h *HTTP) WriteBatch(ctx context.Context, batch []message.Message) error {
	delivered := 0
	for _, req := range h.segment(batch) {
		if err := h.do(ctx, req); err != nil {
			if delivered == 0 {
				return err
			}
			return &PartialError{Delivered: delivered, Err: err}
		}
		delivered += req.count
	}
	return nil
}

// segment preserves batch order: a request is only started once every
// message before it has been assigned.
func (h *HTTP) segment(batch []message.Message) []request {
	var (
		out    []request
		traces []*message.CreateTrace
		spans  []*message.CreateSpan
	)
	flushTraces := func() {
		if len(traces) > 0 {
			out = append(out, request{method: http.MethodPost, path: "/v1/private/traces/batch", body: traceBatchBody{Traces: traces}, count: len(traces)})
			traces = nil
		}
	}
	flushSpans := func() {
		if len(spans) > 0 {
			out = append(out, request{method: http.MethodPost, path: "/v1/private/spans/batch", body: spanBatchBody{Spans: spans}, count: len(spans)})
			spans = nil
		}
	}

	for _, msg := range batch {
		switch m := msg.(type) {
		case *message.CreateTrace:
			flushSpans()
			traces = append(traces, m)
			if len(traces) >= h.maxBatchSize {
				flushTraces()
			}
			continue
		case *message.CreateSpan:
			flushTraces()
			spans = append(spans, m)
			if len(spans) >= h.maxBatchSize {
				flushSpans()
			}
			continue
		}

		flushTraces()
		flushSpans()
		switch m := msg.(type) {
		case *message.UpdateTrace:
			out = append(out, request{method: http.MethodPatch, path: "/v1/private/traces/" + url.PathEscape(m.ID), body: m, count: 1})
		case *message.UpdateSpan:
			out = append(out, request{method: http.MethodPatch, path: "/v1/private/spans/" + url.PathEscape(m.ID), body: m, count: 1})
		case *message.AddTraceFeedbackScoresBatch:
			out = append(out, request{method: http.MethodPut, path: "/v1/private/traces/feedback-scores", body: scoresBody{Scores: m.Scores}, count: 1})
		case *message.AddSpanFeedbackScoresBatch:
			out = append(out, request{method: http.MethodPut, path: "/v1/private/spans/feedback-scores", body: scoresBody{Scores: m.Scores}, count: 1})
		}
	}
	flushTraces()
	flushSpans()
	return out
}

func (h *HTTP) do(ctx context.Context, req request) error {
	payload, err := message.JSON(req.body)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
	}
	if h.compress {
		payload, err = gzipBytes(payload)
		if err != nil {
			return fmt.Errorf("compress %s %s: %w", req.method, req.path, err)
		}
	}
	resp, err := h.send(ctx, req.method, req.path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(req.method, req.path, resp)
}

func (h *HTTP) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var body any
	if payload != nil {
		body = payload
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, h.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	httpReq.Header.Set("User-Agent", version.UserAgent())
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
		if h.compress {
			httpReq.Header.Set("Content-Encoding", "gzip")
		}
	}
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", h.apiKey)
	}
	if h.workspace != "" {
		httpReq.Header.Set("Workspace", h.workspace)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// Ping checks that the backend answers its health endpoint.
func (h *HTTP) Ping(ctx context.Context) error {
	resp, err := h.send(ctx, http.MethodGet, "/is-alive/ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(http.MethodGet, "/is-alive/ping", resp)
}

func (h *HTTP) endpoint(path string) string {
	return h.baseURL.JoinPath(path).String()
}

func checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
}

func gzipBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(payload); err != nil {
		return nil, errors.Join(err, writer.Close())
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
