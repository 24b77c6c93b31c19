package backend

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/llmtrace/internal/config"
)

// FromConfig builds the backend selected by cfg.Backend.Driver. transport
// may be nil.
func FromConfig(cfg config.Config, transport http.RoundTripper, logger *slog.Logger) (Backend, error) {
	switch driver := strings.TrimSpace(cfg.Backend.Driver); driver {
	case config.BackendDriverMemory:
		return NewMemory(), nil
	case config.BackendDriverHTTP, "":
		b, err := NewHTTP(HTTPOptions{
			BaseURL:      cfg.Backend.URL,
			APIKey:       cfg.Backend.APIKey,
			Workspace:    cfg.Backend.Workspace,
			Timeout:      cfg.Backend.Timeout(),
			RetryMax:     cfg.Delivery.RetryMax,
			RetryWaitMin: time.Duration(cfg.Delivery.RetryWaitMinMS) * time.Millisecond,
			RetryWaitMax: time.Duration(cfg.Delivery.RetryWaitMaxMS) * time.Millisecond,
			RateLimit:    cfg.Delivery.RateLimitRPS,
			Compress:     cfg.Delivery.Compress,
			MaxBatchSize: cfg.Batching.MaxBatchSize,
			Transport:    transport,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create http backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported backend driver %q", driver)
	}
}
