package sentry_pipeline

import (
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxAdaptiveBatchSize caps adaptive growth of the global batch size.
const maxAdaptiveBatchSize = 50

// pendingEvent couples an admitted event with its completion handle,
// the payload pre-encoded at admission time, and the size hint used
// for memory accounting.
type pendingEvent struct {
	event   *Event
	future  *SendFuture
	encoded string
	size    int
}

// batch is the live per-priority accumulation unit. It exists from the
// first queued event until it is drained for dispatch; every producer
// waiting on it receives the same send outcome.
type batch struct {
	priority  Priority
	events    []*pendingEvent
	totalSize int
	createdAt time.Time
}

// batchDispatcher executes one logical send for a drained batch.
type batchDispatcher interface {
	dispatchBatch(events []*pendingEvent, priority Priority) *SendResult
}

// BatchManager groups non-critical events by priority into size- and
// time-bounded batches. Higher priority means a larger size threshold
// and a shorter wait, so important events still go out quickly while
// low-priority traffic amortizes request overhead.
type BatchManager struct {
	cfg        *BatchConfig
	dispatcher batchDispatcher
	logger     *zap.Logger

	mu            sync.Mutex
	batches       map[Priority]*batch
	timers        map[Priority]*time.Timer
	maxBatchSize  int
	totalBuffered int
	memoryFlushes uint64
	closed        bool
}

// NewBatchManager creates a batch manager.
func NewBatchManager(cfg *BatchConfig, dispatcher batchDispatcher, logger *zap.Logger) *BatchManager {
	return &BatchManager{
		cfg:          cfg,
		dispatcher:   dispatcher,
		logger:       logger,
		batches:      make(map[Priority]*batch),
		timers:       make(map[Priority]*time.Timer),
		maxBatchSize: cfg.MaxBatchSize,
	}
}

// maxSizeFor derives the per-priority batch size threshold from the
// global (possibly adapted) batch size. Must hold the mutex.
func (m *BatchManager) maxSizeFor(p Priority) int {
	size := int(math.Floor(float64(m.maxBatchSize) * (0.5 + p.Weight())))
	if size < 1 {
		size = 1
	}
	return size
}

// maxWaitFor derives the per-priority flush deadline: heavier weight,
// shorter wait.
func (m *BatchManager) maxWaitFor(p Priority) time.Duration {
	return time.Duration(float64(m.cfg.MaxWait) * (1 - p.Weight()*0.8))
}

// Add queues an event under its priority. The producer's future
// settles when the batch the event landed in is dispatched.
func (m *BatchManager) Add(ev *pendingEvent, priority Priority) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrPipelineClosed
	}

	// Flush everything before the new event would blow the memory
	// budget; the event itself is queued afterwards.
	var evicted []*batch
	if m.totalBuffered > 0 && m.totalBuffered+ev.size > m.cfg.MemoryBudget {
		m.memoryFlushes++
		buffered := m.totalBuffered
		evicted = m.drainAllLocked()
		m.logger.Warn("memory budget reached, flushing all pending batches",
			zap.Int("buffered_bytes", buffered),
			zap.Int("incoming_bytes", ev.size),
			zap.Int("batches", len(evicted)))
	}

	b, ok := m.batches[priority]
	if !ok {
		b = &batch{priority: priority, createdAt: time.Now()}
		m.batches[priority] = b
	}
	b.events = append(b.events, ev)
	b.totalSize += ev.size
	m.totalBuffered += ev.size

	var full *batch
	if len(b.events) >= m.maxSizeFor(priority) {
		full = m.takeLocked(priority)
	} else if len(b.events) >= m.cfg.MinBatchSize {
		m.armTimerLocked(priority)
	}

	m.mu.Unlock()

	for _, eb := range evicted {
		go m.send(eb)
	}
	if full != nil {
		go m.send(full)
	}

	return nil
}

// armTimerLocked (re)arms the single wait timer for a priority. An
// existing timer is always cancelled first, never accumulated.
func (m *BatchManager) armTimerLocked(priority Priority) {
	if t, ok := m.timers[priority]; ok {
		t.Stop()
	}
	m.timers[priority] = time.AfterFunc(m.maxWaitFor(priority), func() {
		m.flushExpired(priority)
	})
}

// takeLocked atomically removes the live batch for a priority and
// cancels its timer. Returns nil when nothing is pending.
func (m *BatchManager) takeLocked(priority Priority) *batch {
	b, ok := m.batches[priority]
	if !ok {
		return nil
	}
	delete(m.batches, priority)
	m.totalBuffered -= b.totalSize

	if t, ok := m.timers[priority]; ok {
		t.Stop()
		delete(m.timers, priority)
	}
	return b
}

// drainAllLocked removes every live batch, highest priority first.
func (m *BatchManager) drainAllLocked() []*batch {
	var drained []*batch
	for _, p := range batchedPriorities {
		if b := m.takeLocked(p); b != nil {
			drained = append(drained, b)
		}
	}
	// Batches under non-standard priorities still drain.
	for p := range m.batches {
		if b := m.takeLocked(p); b != nil {
			drained = append(drained, b)
		}
	}
	return drained
}

// flushExpired is the timer callback.
func (m *BatchManager) flushExpired(priority Priority) {
	m.mu.Lock()
	b := m.takeLocked(priority)
	m.mu.Unlock()

	if b != nil {
		m.logger.Debug("batch wait expired",
			zap.String("priority", string(priority)),
			zap.Int("events", len(b.events)))
		m.send(b)
	}
}

// send hands a drained batch to the dispatcher as one logical send and
// fans the single outcome out to every waiter.
func (m *BatchManager) send(b *batch) *SendResult {
	start := time.Now()
	result := m.dispatcher.dispatchBatch(b.events, b.priority)
	elapsed := time.Since(start)

	for _, ev := range b.events {
		ev.future.resolve(result)
	}

	if m.cfg.AdaptiveSizing {
		m.adapt(elapsed)
	}

	return result
}

// adapt nudges the global batch size toward the target processing
// time: slow batches shrink it, fast batches grow it.
func (m *BatchManager) adapt(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.cfg.TargetBatchTime
	switch {
	case elapsed > target+target/2:
		m.maxBatchSize -= m.cfg.AdjustmentFactor
		if m.maxBatchSize < m.cfg.MinBatchSize {
			m.maxBatchSize = m.cfg.MinBatchSize
		}
	case elapsed < target/2:
		m.maxBatchSize += m.cfg.AdjustmentFactor
		if m.maxBatchSize > maxAdaptiveBatchSize {
			m.maxBatchSize = maxAdaptiveBatchSize
		}
	default:
		return
	}

	m.logger.Debug("adaptive batch size adjusted",
		zap.Duration("batch_time", elapsed),
		zap.Int("max_batch_size", m.maxBatchSize))
}

// FlushPriority drains the named batch and sends it synchronously with
// respect to the caller. Returns nil when nothing was pending.
func (m *BatchManager) FlushPriority(priority Priority) error {
	m.mu.Lock()
	b := m.takeLocked(priority)
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	return m.send(b).Err
}

// FlushAll drains every pending batch synchronously. Individual batch
// failures are combined; every waiter still receives its own batch's
// outcome.
func (m *BatchManager) FlushAll() error {
	m.mu.Lock()
	drained := m.drainAllLocked()
	m.mu.Unlock()

	var err error
	for _, b := range drained {
		err = multierr.Append(err, m.send(b).Err)
	}
	return err
}

// Close flushes everything and refuses further events.
func (m *BatchManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.FlushAll()
}

// PendingEvents returns the queued event count for a priority.
func (m *BatchManager) PendingEvents(priority Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[priority]; ok {
		return len(b.events)
	}
	return 0
}

// MaxBatchSize returns the current (possibly adapted) global size.
func (m *BatchManager) MaxBatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBatchSize
}

// MemoryFlushes returns how many times the memory budget forced a
// full flush.
func (m *BatchManager) MemoryFlushes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryFlushes
}
