package sentry_pipeline

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryManager decides whether a failed dispatch gets another attempt
// and how long to wait before it. Only transport-level failures and
// server errors are retried; protocol errors (4xx) and admission
// rejections never are. Retries are opt-in: with the manager disabled
// delivery stays at-most-once per Send.
type RetryManager struct {
	cfg    *RetryConfig
	logger *zap.Logger
}

// NewRetryManager creates a retry manager.
func NewRetryManager(cfg *RetryConfig, logger *zap.Logger) *RetryManager {
	return &RetryManager{cfg: cfg, logger: logger}
}

// ShouldRetry reports whether attempt+1 may proceed after err.
// attempt is zero-based: the first retry decision passes attempt=0.
func (rm *RetryManager) ShouldRetry(attempt int, err error) bool {
	if rm == nil || !rm.cfg.Enabled || err == nil {
		return false
	}
	if !retryable(err) {
		return false
	}
	if attempt+1 >= rm.cfg.MaxAttempts {
		rm.logger.Warn("max retry attempts exhausted",
			zap.Int("attempts", attempt+1),
			zap.Error(err))
		return false
	}
	return true
}

// Backoff returns the wait before the given zero-based retry attempt:
// exponential growth with ±25% jitter, capped at the configured max.
func (rm *RetryManager) Backoff(attempt int) time.Duration {
	backoff := float64(rm.cfg.InitialBackoff) * math.Pow(rm.cfg.BackoffMultiplier, float64(attempt))

	jitter := backoff * 0.25 * (2*rand.Float64() - 1)
	backoff += jitter

	d := time.Duration(backoff)
	if d > rm.cfg.MaxBackoff {
		d = rm.cfg.MaxBackoff
	}
	if d < 0 {
		d = 0
	}
	return d
}
