package sentry_pipeline

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBreaker(clock *fakeClock, threshold int, timeout time.Duration) *CircuitBreaker {
	cb := NewCircuitBreaker(&BreakerConfig{
		FailureThreshold: threshold,
		Timeout:          timeout,
	}, zap.NewNop())
	cb.now = clock.now
	return cb
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 3, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("breaker opened below threshold")
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow")
	}

	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker should open at the failure threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestBreakerSingleProbeAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()

	clock.advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("first check after the cooldown should admit a probe")
	}
	if cb.Allow() {
		t.Fatal("only one probe may be in flight")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be admitted")
	}
	cb.RecordSuccess()

	if cb.IsOpen() {
		t.Fatal("successful probe must close the breaker")
	}
	if got := cb.Failures(); got != 0 {
		t.Fatalf("failure count should reset to 0, got %d", got)
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow again")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be admitted")
	}
	cb.RecordFailure()

	if !cb.IsOpen() {
		t.Fatal("failed probe must keep the breaker open")
	}
	if cb.Allow() {
		t.Fatal("cooldown restarts after a failed probe")
	}

	// The refreshed lastFailure pushes the next probe out again.
	clock.advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("a fresh cooldown should admit another probe")
	}
}

func TestBreakerReleaseProbe(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 30*time.Second)

	cb.RecordFailure()
	clock.advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be admitted")
	}
	cb.releaseProbe()

	if !cb.Allow() {
		t.Fatal("released probe slot should be available again")
	}
}

func TestBreakerSuccessKeepsClosed(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 3, 30*time.Second)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.IsOpen() {
		t.Fatal("failures are consecutive; a success in between resets the count")
	}
}
