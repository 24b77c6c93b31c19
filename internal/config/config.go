package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	ProjectName   string              `yaml:"project_name"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Batching      BatchingConfig      `yaml:"batching"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Spool         SpoolConfig         `yaml:"spool"`
	Observability ObservabilityConfig `yaml:"observability"`
}

const (
	BackendDriverHTTP   = "http"
	BackendDriverMemory = "memory"
)

type BackendConfig struct {
	Driver    string `yaml:"driver"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Workspace string `yaml:"workspace"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type TrackingConfig struct {
	Disabled          bool `yaml:"disabled"`
	LogStartTraceSpan bool `yaml:"log_start_trace_span"`
}

type BatchingConfig struct {
	Merge           bool `yaml:"merge"`
	MaxBatchSize    int  `yaml:"max_batch_size"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
	QueueCapacity   int  `yaml:"queue_capacity"`
}

func (c BatchingConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

type DeliveryConfig struct {
	RetryMax       int     `yaml:"retry_max"`
	RetryWaitMinMS int     `yaml:"retry_wait_min_ms"`
	RetryWaitMaxMS int     `yaml:"retry_wait_max_ms"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	Compress       bool    `yaml:"compress"`
}

const (
	SpoolDriverNone     = "none"
	SpoolDriverSQLite   = "sqlite"
	SpoolDriverPostgres = "postgres"
)

type SpoolConfig struct {
	Driver          string `yaml:"driver"`
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	ReplayBatchSize int    `yaml:"replay_batch_size"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultBackendURL                 = "http://localhost:5173/api"
	defaultProjectName                = "Default Project"
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "llmtrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Backend: BackendConfig{
			Driver:    BackendDriverHTTP,
			URL:       defaultBackendURL,
			TimeoutMS: 10000,
		},
		ProjectName: defaultProjectName,
		Batching: BatchingConfig{
			Merge:           true,
			MaxBatchSize:    1000,
			FlushIntervalMS: 1000,
			QueueCapacity:   100000,
		},
		Delivery: DeliveryConfig{
			RetryMax:       3,
			RetryWaitMinMS: 250,
			RetryWaitMaxMS: 5000,
			Compress:       true,
		},
		Spool: SpoolConfig{
			Driver:          SpoolDriverNone,
			Path:            "./data/llmtrace-spool.db",
			ReplayBatchSize: 500,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	switch driver := strings.TrimSpace(cfg.Backend.Driver); driver {
	case BackendDriverHTTP:
		if err := validateURL("backend.url", cfg.Backend.URL); err != nil {
			return err
		}
	case BackendDriverMemory:
	default:
		return fmt.Errorf("backend.driver must be one of http, memory (got %q)", cfg.Backend.Driver)
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return fmt.Errorf("backend.timeout_ms must be > 0 (got %d)", cfg.Backend.TimeoutMS)
	}
	if strings.TrimSpace(cfg.ProjectName) == "" {
		return errors.New("project_name must not be empty")
	}
	if cfg.Batching.MaxBatchSize <= 0 {
		return fmt.Errorf("batching.max_batch_size must be > 0 (got %d)", cfg.Batching.MaxBatchSize)
	}
	if cfg.Batching.FlushIntervalMS <= 0 {
		return fmt.Errorf("batching.flush_interval_ms must be > 0 (got %d)", cfg.Batching.FlushIntervalMS)
	}
	if cfg.Batching.QueueCapacity < cfg.Batching.MaxBatchSize {
		return fmt.Errorf("batching.queue_capacity must be >= batching.max_batch_size (got %d < %d)", cfg.Batching.QueueCapacity, cfg.Batching.MaxBatchSize)
	}
	if err := validateDelivery(cfg.Delivery); err != nil {
		return err
	}
	if err := validateSpool(cfg.Spool); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	return nil
}

func validateURL(name, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateDelivery(cfg DeliveryConfig) error {
	if cfg.RetryMax < 0 {
		return fmt.Errorf("delivery.retry_max must be >= 0 (got %d)", cfg.RetryMax)
	}
	if cfg.RetryWaitMinMS <= 0 {
		return fmt.Errorf("delivery.retry_wait_min_ms must be > 0 (got %d)", cfg.RetryWaitMinMS)
	}
	if cfg.RetryWaitMaxMS < cfg.RetryWaitMinMS {
		return fmt.Errorf("delivery.retry_wait_max_ms must be >= retry_wait_min_ms (got %d < %d)", cfg.RetryWaitMaxMS, cfg.RetryWaitMinMS)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("delivery.rate_limit_rps must be >= 0 (got %f)", cfg.RateLimitRPS)
	}
	return nil
}

func validateSpool(cfg SpoolConfig) error {
	switch strings.TrimSpace(cfg.Driver) {
	case SpoolDriverNone:
		return nil
	case SpoolDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("spool.path is required when spool.driver=sqlite")
		}
	case SpoolDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return errors.New("spool.dsn is required when spool.driver=postgres")
		}
	default:
		return fmt.Errorf("spool.driver must be one of none, sqlite, postgres (got %q)", cfg.Driver)
	}
	if cfg.ReplayBatchSize <= 0 {
		return fmt.Errorf("spool.replay_batch_size must be > 0 (got %d)", cfg.ReplayBatchSize)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if driver := os.Getenv("LLMTRACE_BACKEND_DRIVER"); driver != "" {
		cfg.Backend.Driver = driver
	}
	if backendURL := os.Getenv("LLMTRACE_URL_OVERRIDE"); backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	if apiKey := os.Getenv("LLMTRACE_API_KEY"); apiKey != "" {
		cfg.Backend.APIKey = apiKey
	}
	if workspace := os.Getenv("LLMTRACE_WORKSPACE"); workspace != "" {
		cfg.Backend.Workspace = workspace
	}
	if err := envInt("LLMTRACE_BACKEND_TIMEOUT_MS", &cfg.Backend.TimeoutMS); err != nil {
		return err
	}
	if projectName := os.Getenv("LLMTRACE_PROJECT_NAME"); projectName != "" {
		cfg.ProjectName = projectName
	}
	if err := envBool("LLMTRACE_TRACK_DISABLE", &cfg.Tracking.Disabled); err != nil {
		return err
	}
	if err := envBool("LLMTRACE_LOG_START_TRACE_SPAN", &cfg.Tracking.LogStartTraceSpan); err != nil {
		return err
	}
	if err := envBool("LLMTRACE_BATCHING_MERGE", &cfg.Batching.Merge); err != nil {
		return err
	}
	if err := envInt("LLMTRACE_MAX_BATCH_SIZE", &cfg.Batching.MaxBatchSize); err != nil {
		return err
	}
	if err := envInt("LLMTRACE_FLUSH_INTERVAL_MS", &cfg.Batching.FlushIntervalMS); err != nil {
		return err
	}
	if err := envInt("LLMTRACE_QUEUE_CAPACITY", &cfg.Batching.QueueCapacity); err != nil {
		return err
	}
	if err := envInt("LLMTRACE_RETRY_MAX", &cfg.Delivery.RetryMax); err != nil {
		return err
	}
	if rps := strings.TrimSpace(os.Getenv("LLMTRACE_RATE_LIMIT_RPS")); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid LLMTRACE_RATE_LIMIT_RPS: %w", err)
		}
		cfg.Delivery.RateLimitRPS = v
	}
	if err := envBool("LLMTRACE_COMPRESS", &cfg.Delivery.Compress); err != nil {
		return err
	}
	if spoolDriver := os.Getenv("LLMTRACE_SPOOL_DRIVER"); spoolDriver != "" {
		cfg.Spool.Driver = spoolDriver
	}
	if spoolPath := os.Getenv("LLMTRACE_SPOOL_PATH"); spoolPath != "" {
		cfg.Spool.Path = spoolPath
	}
	if spoolDSN := os.Getenv("LLMTRACE_SPOOL_DSN"); spoolDSN != "" {
		cfg.Spool.DSN = spoolDSN
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func envBool(name string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func envInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

// Redacted returns a copy safe to print: secrets are masked.
func (cfg Config) Redacted() Config {
	out := cfg
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = "[REDACTED]"
	}
	if out.Spool.DSN != "" {
		if parsed, err := url.Parse(out.Spool.DSN); err == nil && parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
				out.Spool.DSN = parsed.String()
			}
		}
	}
	return out
}
