package webhook

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// StatusError reports a non-2xx response from the receiver.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook receiver responded %d %s", e.Code, http.StatusText(e.Code))
}

// RetryPolicy decides whether and when to retry a failed attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ShouldRetry reports whether another attempt may follow attempt (1-based).
// Transport errors, an open breaker, 408, 429 and 5xx are retried; other
// statuses are final.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return retryableStatus(status.Code)
	}
	return true
}

// Backoff returns the pause after attempt (1-based): half of the capped
// exponential delay plus a random share of the other half.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay/2))
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// outcome labels an attempt for metrics.
func outcome(err error) string {
	var status *StatusError
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.As(err, &status) && !retryableStatus(status.Code):
		return "rejected"
	case errors.As(err, &status):
		return "retryable_status"
	default:
		return "transport_error"
	}
}
