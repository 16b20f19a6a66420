package sentry_pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration.
type Config struct {
	// Enable/disable the plugin
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Sentry DSN. Empty DSN keeps the plugin alive but every send is
	// rejected before the network.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Client identity used in the X-Sentry-Auth header.
	ClientName    string `mapstructure:"client_name" yaml:"client_name"`
	ClientVersion string `mapstructure:"client_version" yaml:"client_version"`

	Transport    TransportConfig    `mapstructure:"transport" yaml:"transport"`
	Batch        BatchConfig        `mapstructure:"batch" yaml:"batch"`
	Compression  CompressionConfig  `mapstructure:"compression" yaml:"compression"`
	Backpressure BackpressureConfig `mapstructure:"backpressure" yaml:"backpressure"`
	Breaker      BreakerConfig      `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Retry        RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Spool        SpoolConfig        `mapstructure:"spool" yaml:"spool"`
}

// TransportConfig contains HTTP transport settings.
type TransportConfig struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// SSL verification
	SSLVerify bool `mapstructure:"ssl_verify" yaml:"ssl_verify"`
	// Proxy settings
	Proxy string `mapstructure:"proxy" yaml:"proxy"`
}

// BatchConfig contains batch manager settings.
type BatchConfig struct {
	// Starting point for the (possibly adaptive) global batch size.
	MaxBatchSize int `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	// Minimum batch size before a wait timer is armed.
	MinBatchSize int `mapstructure:"min_batch_size" yaml:"min_batch_size"`
	// Base wait before a partial batch is flushed; scaled per priority.
	MaxWait time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	// Total bytes buffered across all pending batches before a
	// memory-pressure flush.
	MemoryBudget int `mapstructure:"memory_budget" yaml:"memory_budget"`
	// Adaptive sizing against TargetBatchTime.
	AdaptiveSizing   bool          `mapstructure:"adaptive_sizing" yaml:"adaptive_sizing"`
	TargetBatchTime  time.Duration `mapstructure:"target_batch_time" yaml:"target_batch_time"`
	AdjustmentFactor int           `mapstructure:"adjustment_factor" yaml:"adjustment_factor"`
}

// CompressionConfig contains compressor settings.
type CompressionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Payloads below this many bytes are never compressed.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
	// Compression must save at least this fraction or the result is
	// discarded.
	MinRatio float64 `mapstructure:"min_ratio" yaml:"min_ratio"`
	// gzip, deflate or auto.
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	// Result cache entries.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// BackpressureConfig contains local admission control settings.
type BackpressureConfig struct {
	MaxQueueSize int `mapstructure:"max_queue_size" yaml:"max_queue_size"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetryConfig contains retry mechanism settings. Disabled by default:
// delivery is at-most-once per attempt unless the operator opts in.
type RetryConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// SpoolConfig contains the optional offline spool settings.
type SpoolConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
	// Oldest records are evicted past this count.
	MaxRecords int `mapstructure:"max_records" yaml:"max_records"`
}

// InitDefaults initializes default configuration values.
func (cfg *Config) InitDefaults() {
	if cfg.ClientName == "" {
		cfg.ClientName = "sentry-pipeline-rr"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}

	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = 10
	}
	if cfg.Batch.MinBatchSize == 0 {
		cfg.Batch.MinBatchSize = 1
	}
	if cfg.Batch.MaxWait == 0 {
		cfg.Batch.MaxWait = 5 * time.Second
	}
	if cfg.Batch.MemoryBudget == 0 {
		cfg.Batch.MemoryBudget = 1 << 20
	}
	if cfg.Batch.TargetBatchTime == 0 {
		cfg.Batch.TargetBatchTime = time.Second
	}
	if cfg.Batch.AdjustmentFactor == 0 {
		cfg.Batch.AdjustmentFactor = 2
	}

	if cfg.Compression.Threshold == 0 {
		cfg.Compression.Threshold = 1024
	}
	if cfg.Compression.MinRatio == 0 {
		cfg.Compression.MinRatio = 0.1
	}
	if cfg.Compression.Algorithm == "" {
		cfg.Compression.Algorithm = AlgorithmAuto
	}
	if cfg.Compression.CacheSize == 0 {
		cfg.Compression.CacheSize = 128
	}

	if cfg.Backpressure.MaxQueueSize == 0 {
		cfg.Backpressure.MaxQueueSize = 1000
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 300 * time.Second
	}

	if cfg.Spool.MaxRecords == 0 {
		cfg.Spool.MaxRecords = 1000
	}
}

// Validate validates the configuration.
func (cfg *Config) Validate() error {
	switch cfg.Compression.Algorithm {
	case AlgorithmAuto, AlgorithmGzip, AlgorithmDeflate:
	default:
		return fmt.Errorf("unknown compression algorithm %q", cfg.Compression.Algorithm)
	}

	if cfg.Compression.MinRatio < 0 || cfg.Compression.MinRatio >= 1 {
		return fmt.Errorf("compression min_ratio must be in [0, 1), got %f", cfg.Compression.MinRatio)
	}

	if cfg.Batch.MinBatchSize > cfg.Batch.MaxBatchSize {
		return fmt.Errorf("batch min_batch_size %d exceeds max_batch_size %d",
			cfg.Batch.MinBatchSize, cfg.Batch.MaxBatchSize)
	}

	if cfg.Backpressure.MaxQueueSize < 1 {
		cfg.Backpressure.MaxQueueSize = 1
	}

	if cfg.Spool.Enabled && cfg.Spool.Path == "" {
		return fmt.Errorf("spool enabled without a path")
	}

	return nil
}

// LoadConfig reads a YAML config file for standalone (non-plugin) use.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
