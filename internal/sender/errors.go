package sender

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ongoingai/llmtrace/internal/backend"
)

// Delivery failure classes.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassThrottled  = "throttled"
	ErrorClassRejected   = "rejected"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a delivery error to one of the failure classes so
// operators can alert on categories rather than opaque error strings.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ErrorClassThrottled
		case statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout:
			return ErrorClassTimeout
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return ErrorClassRejected
		default:
			return ErrorClassUnknown
		}
	}

	// Timeout checks come first since a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// Wrapped transport errors often lose their type information.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ErrorClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "too many requests"):
		return ErrorClassThrottled
	}
	return ErrorClassUnknown
}
