package sentry_pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRetryManager(enabled bool) *RetryManager {
	return NewRetryManager(&RetryConfig{
		Enabled:           enabled,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}, zap.NewNop())
}

func TestShouldRetryDisabled(t *testing.T) {
	rm := newTestRetryManager(false)
	if rm.ShouldRetry(0, &ServerError{StatusCode: 503}) {
		t.Fatal("disabled retry manager must never retry")
	}
}

func TestShouldRetryOnlyTransientErrors(t *testing.T) {
	rm := newTestRetryManager(true)

	if !rm.ShouldRetry(0, &ServerError{StatusCode: 503}) {
		t.Error("5xx should be retried")
	}
	if !rm.ShouldRetry(0, &TransportError{Err: context.DeadlineExceeded}) {
		t.Error("transport failures should be retried")
	}
	if rm.ShouldRetry(0, &ProtocolError{StatusCode: 400, Body: "bad"}) {
		t.Error("4xx must never be retried")
	}
	if rm.ShouldRetry(0, ErrRateLimited) {
		t.Error("admission rejections must never be retried")
	}
	if rm.ShouldRetry(0, nil) {
		t.Error("success is not retried")
	}
}

func TestShouldRetryHonorsMaxAttempts(t *testing.T) {
	rm := newTestRetryManager(true)
	err := &ServerError{StatusCode: 500}

	if !rm.ShouldRetry(0, err) || !rm.ShouldRetry(1, err) {
		t.Fatal("attempts below the cap should retry")
	}
	if rm.ShouldRetry(2, err) {
		t.Fatal("third attempt is the last with max_attempts=3")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rm := newTestRetryManager(true)

	// Jitter is ±25%, so check bands rather than exact values.
	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := rm.Backoff(attempt)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if got < lo || got > hi {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}

	if got := rm.Backoff(20); got > 10*time.Second {
		t.Errorf("backoff should cap at max_backoff, got %v", got)
	}
}
