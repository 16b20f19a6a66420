package sentry_pipeline

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Compression algorithms. Only encodings the collector negotiates via
// Content-Encoding are supported.
const (
	AlgorithmAuto    = "auto"
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
)

// CompressionResult describes one compression attempt. Data always
// holds the bytes to put on the wire, compressed or not.
type CompressionResult struct {
	Data           []byte
	Compressed     bool
	Algorithm      string
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	Duration       time.Duration
}

// CompressOptions tune a single Compress call.
type CompressOptions struct {
	// Algorithm overrides the configured default for this call.
	Algorithm string
	// Disable skips compression for this call.
	Disable bool
}

// CompressorStats is a running summary of compressor activity.
type CompressorStats struct {
	TotalOriginalBytes   int64
	TotalCompressedBytes int64
	AvgRatio             float64
	Compressions         int64
	CacheHits            int64
	CacheMisses          int64
}

// HitRate returns the cache hit fraction.
func (s CompressorStats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

type cacheEntry struct {
	result   *CompressionResult
	cachedAt time.Time
}

// Compressor conditionally compresses payloads. Small payloads and
// payloads that don't shrink enough go out uncompressed; results are
// cached by content hash with LRU eviction.
type Compressor struct {
	cfg    *CompressionConfig
	logger *zap.Logger

	mu    sync.Mutex
	cache map[[32]byte]*cacheEntry
	stats CompressorStats
	now   nowFunc
}

// NewCompressor creates a compressor.
func NewCompressor(cfg *CompressionConfig, logger *zap.Logger) *Compressor {
	return &Compressor{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[[32]byte]*cacheEntry),
		now:    time.Now,
	}
}

// Compress returns wire bytes for the payload. The uncompressed
// payload is returned when compression is disabled, the payload is
// below the size threshold, or the compressed form does not meet the
// configured minimum savings.
func (c *Compressor) Compress(payload []byte, opts *CompressOptions) (*CompressionResult, error) {
	start := time.Now()

	if opts == nil {
		opts = &CompressOptions{}
	}
	if !c.cfg.Enabled || opts.Disable || len(payload) < c.cfg.Threshold {
		return c.passthrough(payload, start), nil
	}

	key := blake3.Sum256(payload)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		entry.cachedAt = c.now()
		c.stats.CacheHits++
		c.mu.Unlock()

		hit := *entry.result
		hit.Duration = time.Since(start)
		return &hit, nil
	}
	c.stats.CacheMisses++
	c.mu.Unlock()

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = c.cfg.Algorithm
	}
	if algorithm == AlgorithmAuto {
		algorithm = pickAlgorithm(payload)
	}

	compressed, err := encode(payload, algorithm)
	if err != nil {
		return nil, fmt.Errorf("compress with %s: %w", algorithm, err)
	}

	// Compression must buy at least the configured savings, or the
	// CPU spent decompressing on the server isn't worth it.
	maxUseful := int(float64(len(payload)) * (1 - c.cfg.MinRatio))
	if len(compressed) > maxUseful {
		c.logger.Debug("compression discarded, insufficient savings",
			zap.Int("original_size", len(payload)),
			zap.Int("compressed_size", len(compressed)))
		return c.passthrough(payload, start), nil
	}

	result := &CompressionResult{
		Data:           compressed,
		Compressed:     true,
		Algorithm:      algorithm,
		OriginalSize:   len(payload),
		CompressedSize: len(compressed),
		Ratio:          float64(len(compressed)) / float64(len(payload)),
		Duration:       time.Since(start),
	}

	c.mu.Lock()
	c.store(key, result)
	c.recordStats(result)
	c.mu.Unlock()

	return result, nil
}

func (c *Compressor) passthrough(payload []byte, start time.Time) *CompressionResult {
	return &CompressionResult{
		Data:           payload,
		Compressed:     false,
		OriginalSize:   len(payload),
		CompressedSize: len(payload),
		Ratio:          1.0,
		Duration:       time.Since(start),
	}
}

// store inserts a cache entry, evicting the least recently used one
// when the cache is full. Must be called with the mutex held.
func (c *Compressor) store(key [32]byte, result *CompressionResult) {
	if len(c.cache) >= c.cfg.CacheSize {
		var oldestKey [32]byte
		var oldestAt time.Time
		first := true
		for k, entry := range c.cache {
			if first || entry.cachedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, entry.cachedAt
				first = false
			}
		}
		delete(c.cache, oldestKey)
	}
	c.cache[key] = &cacheEntry{result: result, cachedAt: c.now()}
}

// recordStats updates the running totals and the incremental ratio
// mean. Must be called with the mutex held.
func (c *Compressor) recordStats(result *CompressionResult) {
	c.stats.Compressions++
	c.stats.TotalOriginalBytes += int64(result.OriginalSize)
	c.stats.TotalCompressedBytes += int64(result.CompressedSize)
	c.stats.AvgRatio += (result.Ratio - c.stats.AvgRatio) / float64(c.stats.Compressions)
}

// Stats returns a snapshot of the running statistics.
func (c *Compressor) Stats() CompressorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// CacheLen returns the number of cached results.
func (c *Compressor) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// pickAlgorithm chooses gzip for JSON-looking payloads and deflate for
// everything else.
func pickAlgorithm(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < 2 {
		return AlgorithmDeflate
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	if (first == '{' && last == '}') || (first == '[' && last == ']') {
		return AlgorithmGzip
	}
	return AlgorithmDeflate
}

func encode(payload []byte, algorithm string) ([]byte, error) {
	var buf bytes.Buffer

	switch algorithm {
	case AlgorithmGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmDeflate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}

	return buf.Bytes(), nil
}
