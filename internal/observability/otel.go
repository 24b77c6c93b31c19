package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/sender"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "llmtrace.sdk"
)

// Runtime exposes OpenTelemetry hooks for the SDK's own delivery pipeline.
type Runtime struct {
	enabled bool

	tracer   oteltrace.Tracer
	scrubber *Scrubber

	enqueuedCounter       metric.Int64Counter
	queueDroppedCounter   metric.Int64Counter
	deliveryFailedCounter metric.Int64Counter
	flushDuration         metric.Float64Histogram
	flushBatchSize        metric.Int64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks. secrets are
// redacted from exported spans in addition to known credential patterns.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger, secrets ...string) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{scrubber: NewScrubber(secrets...)}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter, runtime.scrubber)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.enqueuedCounter, err = meter.Int64Counter(
		"llmtrace.sender.enqueued_total",
		metric.WithDescription("Count of messages accepted by the sender queue."),
	)
	warn("llmtrace.sender.enqueued_total", err)

	r.queueDroppedCounter, err = meter.Int64Counter(
		"llmtrace.sender.queue_dropped_total",
		metric.WithDescription("Count of messages dropped because the sender queue was full."),
	)
	warn("llmtrace.sender.queue_dropped_total", err)

	r.deliveryFailedCounter, err = meter.Int64Counter(
		"llmtrace.sender.delivery_failed_total",
		metric.WithDescription("Count of messages whose delivery to the backend failed."),
	)
	warn("llmtrace.sender.delivery_failed_total", err)

	r.flushDuration, err = meter.Float64Histogram(
		"llmtrace.sender.flush_duration_seconds",
		metric.WithDescription("Duration of sender flushes."),
		metric.WithUnit("s"),
	)
	warn("llmtrace.sender.flush_duration_seconds", err)

	r.flushBatchSize, err = meter.Int64Histogram(
		"llmtrace.sender.flush_batch_size",
		metric.WithDescription("Number of messages taken by each sender flush."),
	)
	warn("llmtrace.sender.flush_batch_size", err)
}

// Scrubber returns the redactor for delivery errors. It is usable even when
// OpenTelemetry is disabled.
func (r *Runtime) Scrubber() *Scrubber {
	if r == nil || r.scrubber == nil {
		return defaultScrubber
	}
	return r.scrubber
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPTransport wraps the backend HTTP transport with client spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SenderMetrics returns callbacks that record sender activity.
func (r *Runtime) SenderMetrics() *sender.Metrics {
	if !r.Enabled() {
		return nil
	}
	return &sender.Metrics{
		OnEnqueue: func() {
			if r.enqueuedCounter != nil {
				r.enqueuedCounter.Add(context.Background(), 1)
			}
		},
		OnDrop: func() {
			if r.queueDroppedCounter != nil {
				r.queueDroppedCounter.Add(context.Background(), 1)
			}
		},
		OnFlush:        r.RecordFlush,
		OnDeliverStart: r.MakeDeliverSpanHook(),
	}
}

// RecordFlush records the size and duration of one sender flush.
func (r *Runtime) RecordFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	if r.flushDuration != nil {
		r.flushDuration.Record(context.Background(), duration.Seconds())
	}
	if r.flushBatchSize != nil {
		r.flushBatchSize.Record(context.Background(), int64(batchSize))
	}
}

// RecordDeliveryFailure counts messages from a failed delivery.
func (r *Runtime) RecordDeliveryFailure(failure sender.Failure) {
	if !r.Enabled() || failure.FailedCount <= 0 || r.deliveryFailedCounter == nil {
		return
	}
	r.deliveryFailedCounter.Add(
		context.Background(),
		int64(failure.FailedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(failure.Operation)),
			attribute.String("error_class", strings.TrimSpace(failure.ErrorClass)),
			attribute.Bool("spooled", failure.Spooled),
		),
	)
}

// MakeDeliverSpanHook returns a callback that wraps each backend batch
// write in a span, or nil when tracing is off.
func (r *Runtime) MakeDeliverSpanHook() func(batchSize int) func(error) {
	if !r.Enabled() || r.tracer == nil {
		return nil
	}
	return func(batchSize int) func(error) {
		_, span := r.tracer.Start(
			context.Background(),
			"llmtrace.sender.deliver",
			oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
			oteltrace.WithAttributes(attribute.Int("llmtrace.deliver.batch_size", batchSize)),
		)
		return func(err error) {
			if err != nil {
				span.SetStatus(codes.Error, r.scrubber.Scrub(err.Error()))
				span.SetAttributes(attribute.String("llmtrace.deliver.error_class", sender.ClassifyError(err)))
			}
			span.End()
		}
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath maps backend paths to low-cardinality span names.
func routePatternForPath(path string) string {
	path = strings.TrimSpace(path)
	for _, entity := range []string{"traces", "spans"} {
		prefix := "/v1/private/" + entity
		idx := strings.Index(path, prefix)
		if idx < 0 {
			continue
		}
		rest := strings.TrimPrefix(path[idx+len(prefix):], "/")
		switch rest {
		case "batch", "feedback-scores":
			return prefix + "/" + rest
		case "":
			return prefix
		default:
			return prefix + "/{id}"
		}
	}
	if strings.HasSuffix(strings.TrimRight(path, "/"), "/is-alive/ping") {
		return "/is-alive/ping"
	}
	return "/other"
}

func clientSpanName(method, path string) string {
	return "llmtrace " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}
