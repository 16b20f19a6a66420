package sentry_pipeline

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Pressure level thresholds as fractions of the maximum queue size.
const (
	pressureLowWatermark    = 0.5
	pressureMediumWatermark = 0.75
	pressureHighWatermark   = 0.9
)

// sampleRateTable maps a pressure level to per-category admission
// sample rates. Categories absent from a row default to 1.0.
var sampleRateTable = [4]map[Category]float64{
	{CategoryError: 1.0, CategoryTransaction: 1.0, CategorySession: 1.0},
	{CategoryError: 0.9, CategoryTransaction: 0.8, CategorySession: 0.7},
	{CategoryError: 0.7, CategoryTransaction: 0.5, CategorySession: 0.3},
	{CategoryError: 0.3, CategoryTransaction: 0.1, CategorySession: 0.05},
}

// BackpressureController bounds resident event memory with local
// admission control, independent of any server signal. Queue depth
// drives a discrete pressure level; sample rates change only on level
// transitions, so small oscillations around a watermark don't thrash
// the rates.
type BackpressureController struct {
	mu            sync.Mutex
	size          int
	maxSize       int
	droppedEvents uint64
	level         int
	sampleRates   map[Category]float64
	logger        *zap.Logger
	randFloat     func() float64
}

// NewBackpressureController creates a controller. maxSize is clamped
// to at least 1.
func NewBackpressureController(maxSize int, logger *zap.Logger) *BackpressureController {
	if maxSize < 1 {
		maxSize = 1
	}
	bc := &BackpressureController{
		maxSize:   maxSize,
		logger:    logger,
		randFloat: rand.Float64,
	}
	bc.sampleRates = sampleRateTable[0]
	return bc
}

// levelFor is the step function from queue occupancy to pressure level.
func levelFor(size, maxSize int) int {
	ratio := float64(size) / float64(maxSize)
	switch {
	case ratio >= pressureHighWatermark:
		return 3
	case ratio >= pressureMediumWatermark:
		return 2
	case ratio >= pressureLowWatermark:
		return 1
	default:
		return 0
	}
}

// recomputeLevel must be called with the mutex held.
func (bc *BackpressureController) recomputeLevel() {
	level := levelFor(bc.size, bc.maxSize)
	if level == bc.level {
		return
	}

	bc.logger.Info("pressure level changed",
		zap.Int("from", bc.level),
		zap.Int("to", level),
		zap.Int("queue_size", bc.size),
		zap.Int("max_queue_size", bc.maxSize))

	bc.level = level
	bc.sampleRates = sampleRateTable[level]
}

// IncrementQueue records one event entering the pending queue.
func (bc *BackpressureController) IncrementQueue() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.size++
	bc.recomputeLevel()
}

// DecrementQueue records one event leaving the pending queue. The
// counter never goes below zero.
func (bc *BackpressureController) DecrementQueue() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.size > 0 {
		bc.size--
	}
	bc.recomputeLevel()
}

// ShouldDropEvent decides admission for one event. A full queue drops
// unconditionally; otherwise the category's sample rate decides via a
// uniform draw. Unknown categories are admitted at full rate.
func (bc *BackpressureController) ShouldDropEvent(category Category) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.size >= bc.maxSize {
		return true
	}

	rate, ok := bc.sampleRates[category]
	if !ok {
		rate = 1.0
	}
	if rate >= 1.0 {
		return false
	}
	return bc.randFloat() >= rate
}

// RecordDroppedEvent increments the monotonic drop counter.
func (bc *BackpressureController) RecordDroppedEvent() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.droppedEvents++
}

// AdjustMaxQueueSize changes the queue bound at runtime. Values below
// 1 are clamped.
func (bc *BackpressureController) AdjustMaxQueueSize(n int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if n < 1 {
		n = 1
	}
	bc.maxSize = n
	bc.recomputeLevel()
}

// QueueSize returns the current pending-event count.
func (bc *BackpressureController) QueueSize() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.size
}

// PressureLevel returns the current pressure level (0..3).
func (bc *BackpressureController) PressureLevel() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.level
}

// DroppedEvents returns the monotonic drop counter.
func (bc *BackpressureController) DroppedEvents() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.droppedEvents
}

// SampleRate returns the active sample rate for a category.
func (bc *BackpressureController) SampleRate(category Category) float64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if rate, ok := bc.sampleRates[category]; ok {
		return rate
	}
	return 1.0
}
