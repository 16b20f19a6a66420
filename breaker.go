package sentry_pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreaker stops network attempts after repeated failures and
// heals lazily: no background goroutine, the open state is re-examined
// on the next Allow call. After the cooldown a single probe request is
// let through; its outcome decides whether the circuit closes again.
type CircuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
	probing     bool

	threshold int
	timeout   time.Duration
	logger    *zap.Logger
	now       nowFunc
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg *BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: cfg.FailureThreshold,
		timeout:   cfg.Timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. While open, requests
// are rejected until the cooldown elapses; then exactly one probe is
// admitted and everything else keeps being rejected until the probe
// settles.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}

	if cb.probing {
		return false
	}

	if cb.now().Sub(cb.lastFailure) > cb.timeout {
		cb.probing = true
		cb.logger.Info("circuit breaker half-open, probing collector")
		return true
	}

	return false
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		cb.logger.Info("circuit breaker closed",
			zap.Int("failures_before_reset", cb.failures))
	}

	cb.failures = 0
	cb.open = false
	cb.probing = false
}

// RecordFailure counts one failed request. The transition to open is
// logged once, not on every rejected call that follows.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	if cb.probing {
		cb.probing = false
		cb.logger.Warn("circuit breaker probe failed, reopening",
			zap.Int("failures", cb.failures))
		return
	}

	if !cb.open && cb.failures >= cb.threshold {
		cb.open = true
		cb.logger.Warn("circuit breaker opened",
			zap.Int("failures", cb.failures),
			zap.Duration("cooldown", cb.timeout))
	}
}

// releaseProbe hands back a probe slot that was admitted but never
// turned into a request (a later admission gate rejected the event).
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// IsOpen reports the open state without the lazy-heal side effect.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
