package sentry_pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const PluginName = "sentry_pipeline"

// purgeInterval drives the periodic rate-limit window cleanup.
const purgeInterval = 5 * time.Minute

// TelemetrySender is the contract producers (capture API, profiler,
// cron bookkeeping, log buffering) program against.
type TelemetrySender interface {
	Send(event *Event, opts SendOptions) *SendFuture
	FlushAll() error
	FlushPriority(priority Priority) error
	GetMetrics() *PipelineMetrics
}

// Configurer interface for the config plugin.
type Configurer interface {
	UnmarshalKey(name string, out interface{}) error
	Has(name string) bool
}

// Logger interface for the logger plugin.
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Plugin wires the egress pipeline into a RoadRunner server.
type Plugin struct {
	config    *Config
	logger    *zap.Logger
	transport *Transport

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Init initializes the plugin.
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_pipeline_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)

	transport, err := NewTransport(config, p.logger)
	if err != nil {
		return errors.E(op, err)
	}
	p.transport = transport

	if config.DSN == "" {
		p.logger.Warn("no DSN configured, every send will be rejected before the network")
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("sentry pipeline initialized",
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.Int("max_queue_size", config.Backpressure.MaxQueueSize),
		zap.Int("max_batch_size", config.Batch.MaxBatchSize),
		zap.Bool("compression", config.Compression.Enabled),
		zap.Bool("spool", config.Spool.Enabled))

	return nil
}

// Serve starts the plugin.
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E("sentry_pipeline_serve", "plugin not initialized")
		return errCh
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.purgeRoutine(ctx)

		p.logger.Info("sentry pipeline started")

		select {
		case <-p.stopCh:
			p.logger.Info("sentry pipeline stopping")
		case <-ctx.Done():
		}

		if err := p.transport.Close(); err != nil {
			p.logger.Error("error flushing pipeline on shutdown", zap.Error(err))
		}

		p.logger.Info("sentry pipeline stopped")
	}()

	return errCh
}

// Stop stops the plugin, flushing pending batches.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		p.stopOnce.Do(func() { close(p.stopCh) })
	}

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.logger.Warn("plugin stop timed out")
		return ctx.Err()
	}
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface.
func (p *Plugin) RPC() interface{} {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides.
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*TelemetrySender)(nil), p.Sender),
	}
}

// Sender returns the producer-facing interface.
func (p *Plugin) Sender() TelemetrySender {
	return p.transport
}

// purgeRoutine expires stale rate-limit windows on a fixed cadence.
func (p *Plugin) purgeRoutine(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.transport.PurgeExpired()
		}
	}
}
