package sentry_pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Category classifies an event for rate limiting and backpressure
// sampling. The value is the Sentry data category as it appears in
// X-Sentry-Rate-Limits headers.
type Category string

const (
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySession     Category = "session"
	CategoryAttachment  Category = "attachment"
	CategoryReplay      Category = "replay"
	CategoryCheckIn     Category = "check_in"
	CategoryLog         Category = "log"
	CategoryProfile     Category = "profile"
)

// knownCategories is the set a blanket rate limit (empty category list
// in the header) expands to.
var knownCategories = []Category{
	CategoryError,
	CategoryTransaction,
	CategoryAttachment,
	CategorySession,
	CategoryReplay,
}

// envelopeCategories require the envelope endpoint; everything else
// may go through the legacy store endpoint when sent individually.
var envelopeCategories = map[Category]bool{
	CategoryTransaction: true,
	CategoryCheckIn:     true,
	CategoryLog:         true,
	CategoryProfile:     true,
}

// Priority controls batching behavior. Critical events bypass the
// batch manager entirely.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// batchedPriorities in dispatch order, highest weight first.
var batchedPriorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Weight returns the batching weight for the priority. Unknown values
// fall back to the normal weight.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.8
	case PriorityNormal:
		return 0.5
	case PriorityLow:
		return 0.2
	default:
		return 0.5
	}
}

// DiscardReason records why an event never reached the collector.
type DiscardReason string

const (
	ReasonQueueOverflow    DiscardReason = "queue_overflow"
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"
	ReasonSampleRate       DiscardReason = "sample_rate"
	ReasonCircuitOpen      DiscardReason = "circuit_open"
	ReasonNetworkError     DiscardReason = "network_error"
	ReasonSendError        DiscardReason = "send_error"
)

// Event is one telemetry payload handed to the pipeline by a producer.
// Payload must already be JSON-serializable; a string or []byte payload
// is written to the wire verbatim.
type Event struct {
	ID       string   `json:"event_id"`
	Type     string   `json:"type"`
	Category Category `json:"category"`
	Payload  any      `json:"payload"`
}

// SendResult is the settled outcome of one logical send. A batched
// send produces a single SendResult shared by every event in the batch.
type SendResult struct {
	Success     bool
	EventID     string
	StatusCode  int
	RateLimited bool
	Err         error
}

// Admission errors. These never reach the network.
var (
	ErrNoDSN          = errors.New("no DSN configured")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrRateLimited    = errors.New("rate limited")
	ErrBackpressure   = errors.New("dropped by backpressure")
	ErrPipelineClosed = errors.New("pipeline closed")
)

// SerializationError wraps a payload that could not be encoded. It is
// reported synchronously, before any network attempt.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("payload serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TransportError covers connect, DNS and timeout failures. It counts
// toward the circuit breaker.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a 4xx response. It is logged with the response body
// and never retried automatically.
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ServerError is a 5xx response. It counts toward the circuit breaker
// and may be retried.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("HTTP %d from collector", e.StatusCode)
}

// retryable reports whether an outcome is worth another attempt:
// transport failures and server errors only.
func retryable(err error) bool {
	var te *TransportError
	var se *ServerError
	return errors.As(err, &te) || errors.As(err, &se)
}

// SendFuture is the async handle returned by Send. It resolves exactly
// once; Wait blocks until resolution or context cancellation.
type SendFuture struct {
	once   sync.Once
	done   chan struct{}
	result *SendResult
}

func newSendFuture() *SendFuture {
	return &SendFuture{done: make(chan struct{})}
}

// resolve settles the future. Later calls are no-ops, so one outcome
// can be fanned out to every waiter without coordination.
func (f *SendFuture) resolve(res *SendResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// Wait blocks until the send settles. The returned result is nil only
// when ctx expires first.
func (f *SendFuture) Wait(ctx context.Context) (*SendResult, error) {
	select {
	case <-f.done:
		if f.result.Err != nil {
			return f.result, f.result.Err
		}
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *SendFuture) Done() <-chan struct{} { return f.done }

// Result returns the settled result, or nil if the future is pending.
func (f *SendFuture) Result() *SendResult {
	select {
	case <-f.done:
		return f.result
	default:
		return nil
	}
}

// resolvedFuture is a convenience for synchronous rejections.
func resolvedFuture(res *SendResult) *SendFuture {
	f := newSendFuture()
	f.resolve(res)
	return f
}

// PipelineMetrics is the point-in-time counter snapshot exposed over
// RPC and by GetMetrics.
type PipelineMetrics struct {
	EventsSent        int64   `json:"events_sent"`
	EventsFailed      int64   `json:"events_failed"`
	EventsRateLimited int64   `json:"events_rate_limited"`
	EventsDropped     int64   `json:"events_dropped"`
	EventsSpooled     int64   `json:"events_spooled"`
	QueueSize         int     `json:"queue_size"`
	PressureLevel     int     `json:"pressure_level"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// nowFunc lets tests drive component clocks.
type nowFunc func() time.Time
