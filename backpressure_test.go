package sentry_pipeline

import (
	"testing"

	"go.uber.org/zap"
)

func TestPressureLevelStepFunction(t *testing.T) {
	const maxSize = 100
	cases := []struct {
		size  int
		level int
	}{
		{0, 0},
		{49, 0},
		{50, 1},
		{74, 1},
		{75, 2},
		{89, 2},
		{90, 3},
		{100, 3},
	}

	for _, tc := range cases {
		if got := levelFor(tc.size, maxSize); got != tc.level {
			t.Errorf("levelFor(%d, %d) = %d, want %d", tc.size, maxSize, got, tc.level)
		}
	}

	// Monotonic non-decreasing over the full range.
	prev := 0
	for size := 0; size <= maxSize; size++ {
		level := levelFor(size, maxSize)
		if level < prev {
			t.Fatalf("pressure level decreased at size %d: %d -> %d", size, prev, level)
		}
		prev = level
	}
}

func TestShouldDropEventAtCapacity(t *testing.T) {
	bc := NewBackpressureController(10, zap.NewNop())
	bc.randFloat = func() float64 { return 0.0 } // always admit by sampling

	for i := 0; i < 10; i++ {
		bc.IncrementQueue()
	}

	for i := 0; i < 20; i++ {
		if !bc.ShouldDropEvent(CategoryError) {
			t.Fatal("full queue must drop unconditionally")
		}
	}
}

func TestSampleRatesAtHighPressure(t *testing.T) {
	bc := NewBackpressureController(100, zap.NewNop())

	for i := 0; i < 95; i++ {
		bc.IncrementQueue()
	}

	if got := bc.PressureLevel(); got != 3 {
		t.Fatalf("queue_size=95/100 should be level 3, got %d", got)
	}
	if got := bc.SampleRate(CategoryError); got != 0.3 {
		t.Errorf("error sample rate at level 3 = %v, want 0.3", got)
	}
	if got := bc.SampleRate(CategoryTransaction); got != 0.1 {
		t.Errorf("transaction sample rate at level 3 = %v, want 0.1", got)
	}
	if got := bc.SampleRate(CategorySession); got != 0.05 {
		t.Errorf("session sample rate at level 3 = %v, want 0.05", got)
	}
}

func TestSampleRateDecidesDrop(t *testing.T) {
	bc := NewBackpressureController(100, zap.NewNop())
	for i := 0; i < 95; i++ {
		bc.IncrementQueue()
	}

	// error rate is 0.3 at level 3: draws below the rate are admitted.
	bc.randFloat = func() float64 { return 0.29 }
	if bc.ShouldDropEvent(CategoryError) {
		t.Error("draw below sample rate should admit")
	}

	bc.randFloat = func() float64 { return 0.31 }
	if !bc.ShouldDropEvent(CategoryError) {
		t.Error("draw above sample rate should drop")
	}
}

func TestUnknownCategoryAdmittedAtFullRate(t *testing.T) {
	bc := NewBackpressureController(100, zap.NewNop())
	for i := 0; i < 95; i++ {
		bc.IncrementQueue()
	}

	bc.randFloat = func() float64 { return 0.999 }
	if bc.ShouldDropEvent(CategoryCheckIn) {
		t.Error("unknown categories default to sample rate 1.0")
	}
}

func TestDecrementFloorsAtZero(t *testing.T) {
	bc := NewBackpressureController(10, zap.NewNop())

	bc.DecrementQueue()
	bc.DecrementQueue()

	if got := bc.QueueSize(); got != 0 {
		t.Fatalf("queue size went negative: %d", got)
	}
}

func TestAdjustMaxQueueSizeClampsAndRecomputes(t *testing.T) {
	bc := NewBackpressureController(100, zap.NewNop())
	for i := 0; i < 10; i++ {
		bc.IncrementQueue()
	}

	if got := bc.PressureLevel(); got != 0 {
		t.Fatalf("10/100 should be level 0, got %d", got)
	}

	bc.AdjustMaxQueueSize(10)
	if got := bc.PressureLevel(); got != 3 {
		t.Errorf("10/10 after shrink should be level 3, got %d", got)
	}

	bc.AdjustMaxQueueSize(0)
	if !bc.ShouldDropEvent(CategoryError) {
		t.Error("max size clamps to 1, a 10-deep queue is over capacity")
	}
}

func TestDroppedEventsCounter(t *testing.T) {
	bc := NewBackpressureController(10, zap.NewNop())

	bc.RecordDroppedEvent()
	bc.RecordDroppedEvent()
	bc.RecordDroppedEvent()

	if got := bc.DroppedEvents(); got != 3 {
		t.Fatalf("dropped counter = %d, want 3", got)
	}
}
