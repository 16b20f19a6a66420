package sentry_pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigInitDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.InitDefaults()

	if cfg.Transport.Timeout != 30*time.Second {
		t.Errorf("transport timeout default = %v", cfg.Transport.Timeout)
	}
	if cfg.Compression.Threshold != 1024 {
		t.Errorf("compression threshold default = %d", cfg.Compression.Threshold)
	}
	if cfg.Compression.MinRatio != 0.1 {
		t.Errorf("compression min ratio default = %v", cfg.Compression.MinRatio)
	}
	if cfg.Compression.Algorithm != AlgorithmAuto {
		t.Errorf("compression algorithm default = %s", cfg.Compression.Algorithm)
	}
	if cfg.Backpressure.MaxQueueSize != 1000 {
		t.Errorf("max queue size default = %d", cfg.Backpressure.MaxQueueSize)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Retry.Enabled {
		t.Error("retries must be opt-in")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Compression.Algorithm = "zstd" },
		func(c *Config) { c.Compression.MinRatio = 1.5 },
		func(c *Config) { c.Batch.MinBatchSize = 99 },
		func(c *Config) { c.Spool.Enabled = true },
	}

	for i, mutate := range cases {
		cfg := &Config{}
		cfg.InitDefaults()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	yaml := `
enabled: true
dsn: "https://pub@host.example/1"
client_name: "my-sdk"
batch:
  max_batch_size: 25
compression:
  enabled: true
  threshold: 2048
circuit_breaker:
  failure_threshold: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.Enabled || cfg.DSN != "https://pub@host.example/1" {
		t.Errorf("top-level fields not loaded: %+v", cfg)
	}
	if cfg.ClientName != "my-sdk" {
		t.Errorf("client_name = %s", cfg.ClientName)
	}
	if cfg.Batch.MaxBatchSize != 25 {
		t.Errorf("batch section not loaded: %+v", cfg.Batch)
	}
	if cfg.Batch.MaxWait != 5*time.Second {
		t.Errorf("unset durations should default: %v", cfg.Batch.MaxWait)
	}
	if cfg.Compression.Threshold != 2048 {
		t.Errorf("compression section not loaded: %+v", cfg.Compression)
	}
	if cfg.Breaker.FailureThreshold != 7 {
		t.Errorf("breaker section not loaded: %+v", cfg.Breaker)
	}

	// Untouched sections still get defaults.
	if cfg.Backpressure.MaxQueueSize != 1000 {
		t.Errorf("defaults not applied on load: %+v", cfg.Backpressure)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
