package sentry_pipeline

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter tracks server-declared throttling windows: one global
// window from Retry-After plus per-category windows from
// X-Sentry-Rate-Limits. It never probes the network; state changes only
// from response headers and the purge cycle.
type RateLimiter struct {
	mu               sync.RWMutex
	globalRetryAfter time.Time
	categoryLimits   map[Category]time.Time
	logger           *zap.Logger
	now              nowFunc
}

// NewRateLimiter creates a rate limiter instance.
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		categoryLimits: make(map[Category]time.Time),
		logger:         logger,
		now:            time.Now,
	}
}

// UpdateFromHeaders applies throttling windows declared in a response.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if v := headers.Get("Retry-After"); v != "" {
		rl.applyRetryAfter(v, now)
	}

	if v := headers.Get("X-Sentry-Rate-Limits"); v != "" {
		rl.applyRateLimits(v, now)
	}
}

// applyRetryAfter parses the Retry-After header: integer seconds, with
// an HTTP-date fallback.
func (rl *RateLimiter) applyRetryAfter(header string, now time.Time) {
	header = strings.TrimSpace(header)

	if seconds, err := strconv.Atoi(header); err == nil {
		rl.globalRetryAfter = now.Add(time.Duration(seconds) * time.Second)
		rl.logger.Warn("global rate limit applied",
			zap.Int("retry_after_seconds", seconds),
			zap.Time("disabled_until", rl.globalRetryAfter))
		return
	}

	if at, err := time.Parse(time.RFC1123, header); err == nil && at.After(now) {
		rl.globalRetryAfter = at
		rl.logger.Warn("global rate limit applied",
			zap.Time("disabled_until", at))
		return
	}

	rl.logger.Warn("unparseable Retry-After header ignored",
		zap.String("header", header))
}

// applyRateLimits parses X-Sentry-Rate-Limits: a comma-separated list
// of "retry_after:categories:scope:reason" entries. Scope and reason
// are informational. Entries without a numeric retry_after are skipped.
// An empty category list limits all known categories. When one header
// names a category twice, the last entry wins.
func (rl *RateLimiter) applyRateLimits(header string, now time.Time) {
	for _, entry := range strings.Split(header, ",") {
		fields := strings.Split(strings.TrimSpace(entry), ":")

		seconds, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			rl.logger.Warn("skipping rate limit entry with bad retry_after",
				zap.String("entry", entry))
			continue
		}
		until := now.Add(time.Duration(seconds) * time.Second)

		var categories []Category
		if len(fields) > 1 && strings.TrimSpace(fields[1]) != "" {
			for _, c := range strings.Split(fields[1], ";") {
				if c = strings.TrimSpace(c); c != "" {
					categories = append(categories, Category(c))
				}
			}
		}
		if len(categories) == 0 {
			categories = knownCategories
		}

		for _, category := range categories {
			rl.categoryLimits[category] = until
			rl.logger.Warn("rate limit applied",
				zap.String("category", string(category)),
				zap.Int("retry_after_seconds", seconds),
				zap.Time("disabled_until", until))
		}
	}
}

// IsRateLimited reports whether the category is inside a throttling
// window, either its own or the global one.
func (rl *RateLimiter) IsRateLimited(category Category) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	if rl.globalRetryAfter.After(now) {
		return true
	}
	return rl.categoryLimits[category].After(now)
}

// GetRetryAfter returns the remaining throttling window for the
// category, rounded up to whole seconds; zero when no window applies.
func (rl *RateLimiter) GetRetryAfter(category Category) time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	until := rl.globalRetryAfter
	if t := rl.categoryLimits[category]; t.After(until) {
		until = t
	}

	remaining := until.Sub(rl.now())
	if remaining <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second
}

// ClearExpired drops windows whose expiry has passed. Called after
// every response cycle and from the periodic purge.
func (rl *RateLimiter) ClearExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if !rl.globalRetryAfter.IsZero() && !rl.globalRetryAfter.After(now) {
		rl.globalRetryAfter = time.Time{}
	}
	for category, until := range rl.categoryLimits {
		if !until.After(now) {
			delete(rl.categoryLimits, category)
		}
	}
}

// Status returns a copy of the active windows, for the RPC surface.
func (rl *RateLimiter) Status() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.categoryLimits)+1)
	if !rl.globalRetryAfter.IsZero() {
		status["all"] = rl.globalRetryAfter
	}
	for category, until := range rl.categoryLimits {
		status[string(category)] = until
	}
	return status
}
