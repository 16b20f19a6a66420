package sentry_pipeline

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendOptions tune one Send call.
type SendOptions struct {
	// Priority defaults to normal. Critical bypasses batching.
	Priority Priority
	// ForceImmediate skips batching regardless of priority.
	ForceImmediate bool
	// DisableCompression sends this payload uncompressed.
	DisableCompression bool
}

// Transport is the top-level coordinator of the egress pipeline. It
// runs the admission gates (circuit breaker, server rate limits, local
// backpressure), batches or immediately dispatches admitted events,
// and feeds every control component from the HTTP response. One
// Transport owns all pipeline state for one DSN.
type Transport struct {
	cfg    *Config
	dsn    *DSN // nil when no destination is configured
	client *http.Client
	logger *zap.Logger

	rateLimiter  *RateLimiter
	backpressure *BackpressureController
	compressor   *Compressor
	breaker      *CircuitBreaker
	batches      *BatchManager
	retryMgr     *RetryManager
	spool        *OfflineSpool // nil when disabled
	metrics      *metricsCollector

	latencyMu    sync.Mutex
	latencyMean  float64 // milliseconds
	latencyCount int64
}

// NewTransport builds a transport and its component tree. An empty DSN
// is allowed; every Send then rejects with ErrNoDSN before the network.
func NewTransport(cfg *Config, logger *zap.Logger) (*Transport, error) {
	var dsn *DSN
	if cfg.DSN != "" {
		parsed, err := ParseDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		dsn = parsed
	}

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Transport.SSLVerify,
		},
	}
	if cfg.Transport.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Transport.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		httpTransport.Proxy = http.ProxyURL(proxyURL)
	}

	t := &Transport{
		cfg: cfg,
		dsn: dsn,
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   cfg.Transport.Timeout,
		},
		logger:       logger,
		rateLimiter:  NewRateLimiter(logger.Named("rate_limiter")),
		backpressure: NewBackpressureController(cfg.Backpressure.MaxQueueSize, logger.Named("backpressure")),
		compressor:   NewCompressor(&cfg.Compression, logger.Named("compressor")),
		breaker:      NewCircuitBreaker(&cfg.Breaker, logger.Named("breaker")),
		retryMgr:     NewRetryManager(&cfg.Retry, logger.Named("retry")),
		metrics:      newMetricsCollector(),
	}
	t.batches = NewBatchManager(&cfg.Batch, t, logger.Named("batch"))

	if cfg.Spool.Enabled {
		spool, err := NewOfflineSpool(&cfg.Spool, logger.Named("spool"))
		if err != nil {
			return nil, err
		}
		t.spool = spool
	}

	t.metrics.queueSizeFn = func() float64 { return float64(t.backpressure.QueueSize()) }
	t.metrics.pressureLevelFn = func() float64 { return float64(t.backpressure.PressureLevel()) }

	return t, nil
}

// Send admits one event into the pipeline. The returned future settles
// when the event's batch (or immediate request) completes; Send itself
// never blocks on the network.
func (t *Transport) Send(event *Event, opts SendOptions) *SendFuture {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Category == "" {
		event.Category = CategoryError
	}
	if event.Type == "" {
		event.Type = string(event.Category)
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	if t.dsn == nil {
		return t.reject(event, ErrNoDSN, "")
	}

	if !t.breaker.Allow() {
		t.logger.Debug("send rejected, circuit open",
			zap.String("event_id", event.ID))
		t.metrics.IncDiscard(ReasonCircuitOpen)
		return t.reject(event, ErrCircuitOpen, "")
	}

	if t.rateLimiter.IsRateLimited(event.Category) {
		t.breaker.releaseProbe()
		t.logger.Info("send rejected, rate limited",
			zap.String("event_id", event.ID),
			zap.String("category", string(event.Category)),
			zap.Duration("retry_after", t.rateLimiter.GetRetryAfter(event.Category)))
		t.metrics.IncRateLimited()
		t.metrics.IncDiscard(ReasonRateLimitBackoff)
		return t.reject(event, ErrRateLimited, "")
	}

	if t.backpressure.ShouldDropEvent(event.Category) {
		t.breaker.releaseProbe()
		t.backpressure.RecordDroppedEvent()
		t.metrics.IncDropped()
		if t.backpressure.QueueSize() >= t.cfg.Backpressure.MaxQueueSize {
			t.metrics.IncDiscard(ReasonQueueOverflow)
		} else {
			t.metrics.IncDiscard(ReasonSampleRate)
		}
		t.logger.Warn("send rejected by backpressure",
			zap.String("event_id", event.ID),
			zap.Int("pressure_level", t.backpressure.PressureLevel()))
		return t.reject(event, ErrBackpressure, "")
	}

	encoded, err := encodePayload(event.Payload)
	if err != nil {
		t.breaker.releaseProbe()
		return t.reject(event, &SerializationError{Err: err}, "")
	}

	t.metrics.IncCategory(event.Category)

	pending := &pendingEvent{
		event:   event,
		future:  newSendFuture(),
		encoded: encoded,
		size:    len(encoded),
	}
	t.backpressure.IncrementQueue()

	if priority == PriorityCritical || opts.ForceImmediate {
		go func() {
			result := t.sendImmediate(pending, opts.DisableCompression)
			t.backpressure.DecrementQueue()
			pending.future.resolve(result)
		}()
		return pending.future
	}

	if err := t.batches.Add(pending, priority); err != nil {
		t.backpressure.DecrementQueue()
		return t.reject(event, err, "")
	}

	return pending.future
}

func (t *Transport) reject(event *Event, err error, eventID string) *SendFuture {
	if eventID == "" {
		eventID = event.ID
	}
	return resolvedFuture(&SendResult{
		EventID:     eventID,
		Err:         err,
		RateLimited: err == ErrRateLimited,
	})
}

// sendImmediate delivers a single event, wrapping it in an envelope
// only when its category demands the envelope endpoint.
func (t *Transport) sendImmediate(ev *pendingEvent, disableCompression bool) *SendResult {
	endpoint := t.dsn.EndpointFor(ev.event.Category)

	var body string
	if envelopeCategories[ev.event.Category] {
		env := NewEnvelope(ev.event.ID)
		env.AddItem(ev.event.Type, ev.encoded, map[string]any{"length": len(ev.encoded)})
		serialized, err := env.Serialize()
		if err != nil {
			return &SendResult{EventID: ev.event.ID, Err: err}
		}
		body = serialized
	} else {
		body = ev.encoded
	}

	return t.deliver(endpoint, []byte(body), ev.event.ID, disableCompression)
}

// dispatchBatch implements batchDispatcher: one envelope carries the
// whole batch as a single logical send.
func (t *Transport) dispatchBatch(events []*pendingEvent, priority Priority) *SendResult {
	defer func() {
		for range events {
			t.backpressure.DecrementQueue()
		}
	}()

	env := NewEnvelope("")
	for _, ev := range events {
		env.AddItem(ev.event.Type, ev.encoded, map[string]any{"length": len(ev.encoded)})
	}

	body, err := env.Serialize()
	if err != nil {
		t.metrics.IncFailed()
		return &SendResult{EventID: env.EventID, Err: err}
	}

	t.logger.Debug("dispatching batch",
		zap.String("priority", string(priority)),
		zap.Int("events", len(events)),
		zap.Int("body_bytes", len(body)))

	return t.deliver(t.dsn.EnvelopeURL, []byte(body), env.EventID, false)
}

// deliver compresses the body once, then posts it, retrying transient
// failures when retries are enabled. The final failure lands in the
// offline spool when one is configured.
func (t *Transport) deliver(endpoint string, body []byte, eventID string, disableCompression bool) *SendResult {
	compressed, err := t.compressor.Compress(body, &CompressOptions{Disable: disableCompression})
	if err != nil {
		// Compression failure is not fatal, fall back to the raw body.
		t.logger.Warn("compression failed, sending uncompressed", zap.Error(err))
		compressed = &CompressionResult{Data: body, OriginalSize: len(body), CompressedSize: len(body)}
	}

	var result *SendResult
	for attempt := 0; ; attempt++ {
		result = t.post(endpoint, compressed, eventID)
		if result.Err == nil || !t.retryMgr.ShouldRetry(attempt, result.Err) {
			break
		}
		backoff := t.retryMgr.Backoff(attempt)
		t.logger.Info("retrying send",
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		time.Sleep(backoff)
	}

	if result.Err != nil && t.spool != nil && retryable(result.Err) {
		encoding := ""
		if compressed.Compressed {
			encoding = compressed.Algorithm
		}
		rec := spoolRecord{
			EventID:   eventID,
			Endpoint:  endpoint,
			Body:      compressed.Data,
			Encoding:  encoding,
			CreatedAt: time.Now(),
		}
		if err := t.spool.Append(rec); err != nil {
			t.logger.Warn("failed to spool payload", zap.Error(err))
		} else {
			t.metrics.IncSpooled()
		}
	}

	return result
}

// post performs one HTTP attempt and feeds the response back into the
// rate limiter and circuit breaker.
func (t *Transport) post(endpoint string, payload *CompressionResult, eventID string) *SendResult {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(string(payload.Data)))
	if err != nil {
		return &SendResult{EventID: eventID, Err: &TransportError{Err: err}}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.cfg.ClientName+"/"+t.cfg.ClientVersion)
	req.Header.Set("X-Sentry-Auth", t.dsn.AuthHeader(t.cfg.ClientName, t.cfg.ClientVersion))
	if payload.Compressed {
		req.Header.Set("Content-Encoding", payload.Algorithm)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.breaker.RecordFailure()
		t.metrics.IncFailed()
		t.metrics.IncDiscard(ReasonNetworkError)
		t.logger.Error("HTTP request failed",
			zap.String("event_id", eventID),
			zap.Error(err))
		return &SendResult{EventID: eventID, Err: &TransportError{Err: err}}
	}
	defer resp.Body.Close()

	t.recordLatency(time.Since(start))

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if readErr != nil {
		t.logger.Warn("failed to read response body",
			zap.String("event_id", eventID),
			zap.Error(readErr))
	}

	t.rateLimiter.UpdateFromHeaders(resp.Header)
	defer t.rateLimiter.ClearExpired()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.breaker.RecordSuccess()
		t.metrics.IncSent()

		// The collector may assign its own event id.
		if id := extractEventID(respBody); id != "" {
			eventID = id
		}
		t.logger.Info("event sent",
			zap.String("event_id", eventID),
			zap.Int("status_code", resp.StatusCode))
		return &SendResult{Success: true, EventID: eventID, StatusCode: resp.StatusCode}
	}

	t.breaker.RecordFailure()
	t.metrics.IncFailed()
	t.metrics.IncDiscard(ReasonSendError)

	result := &SendResult{
		EventID:     eventID,
		StatusCode:  resp.StatusCode,
		RateLimited: resp.StatusCode == http.StatusTooManyRequests,
	}

	if resp.StatusCode >= 500 {
		result.Err = &ServerError{StatusCode: resp.StatusCode}
		t.logger.Error("collector error",
			zap.String("event_id", eventID),
			zap.Int("status_code", resp.StatusCode))
	} else {
		result.Err = &ProtocolError{StatusCode: resp.StatusCode, Body: string(respBody)}
		t.logger.Error("event rejected by collector",
			zap.String("event_id", eventID),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(respBody)))
	}

	return result
}

// extractEventID pulls the server-assigned id out of a success body.
func extractEventID(body []byte) string {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.ID
}

// recordLatency folds one response time into the running mean. No
// history is retained.
func (t *Transport) recordLatency(d time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	t.latencyCount++
	ms := float64(d) / float64(time.Millisecond)
	t.latencyMean += (ms - t.latencyMean) / float64(t.latencyCount)
}

// AvgLatency returns the running mean response time.
func (t *Transport) AvgLatency() time.Duration {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	return time.Duration(t.latencyMean * float64(time.Millisecond))
}

// FlushPriority drains the named batch; the call returns once the
// underlying send settles.
func (t *Transport) FlushPriority(priority Priority) error {
	return t.batches.FlushPriority(priority)
}

// FlushAll drains every pending batch synchronously.
func (t *Transport) FlushAll() error {
	return t.batches.FlushAll()
}

// ReplaySpool re-posts every spooled payload. Returns how many records
// were attempted. Replay is best-effort: records are removed from the
// spool before posting and lost again only if the new attempt fails
// and re-spools.
func (t *Transport) ReplaySpool() (int, error) {
	if t.spool == nil {
		return 0, nil
	}

	records, err := t.spool.Drain()
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		payload := &CompressionResult{
			Data:           rec.Body,
			Compressed:     rec.Encoding != "",
			Algorithm:      rec.Encoding,
			OriginalSize:   len(rec.Body),
			CompressedSize: len(rec.Body),
		}
		if res := t.post(rec.Endpoint, payload, rec.EventID); res.Err != nil {
			t.logger.Warn("spool replay failed",
				zap.String("event_id", rec.EventID),
				zap.Error(res.Err))
		}
	}

	return len(records), nil
}

// PurgeExpired runs the periodic maintenance cycle.
func (t *Transport) PurgeExpired() {
	t.rateLimiter.ClearExpired()
}

// GetMetrics returns a point-in-time snapshot.
func (t *Transport) GetMetrics() *PipelineMetrics {
	t.latencyMu.Lock()
	latency := t.latencyMean
	t.latencyMu.Unlock()

	return &PipelineMetrics{
		EventsSent:        t.metrics.sentEvents.Load(),
		EventsFailed:      t.metrics.failedEvents.Load(),
		EventsRateLimited: t.metrics.rateLimitedEvents.Load(),
		EventsDropped:     t.metrics.droppedEvents.Load(),
		EventsSpooled:     t.metrics.spooledEvents.Load(),
		QueueSize:         t.backpressure.QueueSize(),
		PressureLevel:     t.backpressure.PressureLevel(),
		AvgLatencyMs:      latency,
	}
}

// Collector exposes the prometheus collector for registration.
func (t *Transport) Collector() *metricsCollector {
	return t.metrics
}

// Close flushes pending batches and releases HTTP resources.
func (t *Transport) Close() error {
	err := t.batches.Close()
	t.client.CloseIdleConnections()
	return err
}
