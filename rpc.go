package sentry_pipeline

import (
	"time"

	"go.uber.org/zap"
)

// RPC exposes the pipeline to out-of-process producers.
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance.
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// SendEvent admits a single event. The reply reports the admission
// outcome: an admission rejection settles synchronously, an admitted
// event is reported as accepted without waiting for delivery.
func (r *RPC) SendEvent(event *Event, result *SendResult) error {
	r.logger.Debug("event received via RPC",
		zap.String("event_id", event.ID),
		zap.String("category", string(event.Category)))

	future := r.plugin.transport.Send(event, SendOptions{})

	if settled := future.Result(); settled != nil {
		*result = *settled
		return nil
	}

	*result = SendResult{Success: true, EventID: event.ID}
	return nil
}

// SendBatch admits a batch of events, one admission result per event.
func (r *RPC) SendBatch(events []*Event, result *[]*SendResult) error {
	r.logger.Debug("batch received via RPC", zap.Int("count", len(events)))

	results := make([]*SendResult, len(events))
	for i, event := range events {
		var res SendResult
		if err := r.SendEvent(event, &res); err != nil {
			return err
		}
		results[i] = &res
	}

	*result = results
	return nil
}

// Flush drains pending batches. An empty priority flushes everything;
// the call returns after the underlying sends settle.
func (r *RPC) Flush(priority string, flushed *bool) error {
	var err error
	if priority == "" {
		err = r.plugin.transport.FlushAll()
	} else {
		err = r.plugin.transport.FlushPriority(Priority(priority))
	}

	*flushed = err == nil
	if err != nil {
		r.logger.Warn("flush completed with errors", zap.Error(err))
	}
	return nil
}

// Metrics returns the current pipeline counters.
func (r *RPC) Metrics(_ bool, out *PipelineMetrics) error {
	*out = *r.plugin.transport.GetMetrics()
	return nil
}

// RateLimits returns the active server throttling windows.
func (r *RPC) RateLimits(_ bool, out *map[string]time.Time) error {
	*out = r.plugin.transport.rateLimiter.Status()
	return nil
}

// ReplaySpool re-posts spooled payloads and reports how many were
// attempted.
func (r *RPC) ReplaySpool(_ bool, replayed *int) error {
	n, err := r.plugin.transport.ReplaySpool()
	if err != nil {
		r.logger.Error("spool replay failed", zap.Error(err))
		return err
	}
	*replayed = n
	return nil
}
