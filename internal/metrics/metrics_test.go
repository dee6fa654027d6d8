package metrics

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestStartTimingRecordsElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewCollector(WithClock(clock.Now))

	done := c.StartTiming("apply")
	clock.Advance(40 * time.Millisecond)
	done()

	stats := c.TimerStats("apply")
	if stats.Count != 1 {
		t.Fatalf("count = %d, want 1", stats.Count)
	}
	if stats.Average != 40*time.Millisecond || stats.Min != stats.Max {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTimerStatsSummary(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 10; i++ {
		c.Observe("validate", time.Duration(i)*time.Millisecond)
	}

	stats := c.TimerStats("validate")
	if stats.Count != 10 {
		t.Fatalf("count = %d, want 10", stats.Count)
	}
	if stats.Min != time.Millisecond || stats.Max != 10*time.Millisecond {
		t.Fatalf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.Average != 5500*time.Microsecond {
		t.Fatalf("average = %v, want 5.5ms", stats.Average)
	}
	//1.- With ten samples the 95th percentile lands on the 10th value.
	if stats.P95 != 10*time.Millisecond {
		t.Fatalf("p95 = %v, want 10ms", stats.P95)
	}
}

func TestRingDropsOldestBeyondWindow(t *testing.T) {
	c := NewCollector()
	//1.- The first sample is an outlier that must age out of the window.
	c.Observe("broadcast", time.Second)
	for i := 0; i < sampleWindow; i++ {
		c.Observe("broadcast", time.Millisecond)
	}

	stats := c.TimerStats("broadcast")
	if stats.Count != sampleWindow+1 {
		t.Fatalf("count = %d, want %d", stats.Count, sampleWindow+1)
	}
	if stats.Max != time.Millisecond {
		t.Fatalf("max = %v, want 1ms after outlier aged out", stats.Max)
	}
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.Add("moves_rejected", 1)
	c.Add("moves_rejected", 2)
	if got := c.Counter("moves_rejected"); got != 3 {
		t.Fatalf("counter = %d, want 3", got)
	}

	timers, counters := c.Snapshot()
	if len(timers) != 0 {
		t.Fatalf("unexpected timers: %v", timers)
	}
	if counters["moves_rejected"] != 3 {
		t.Fatalf("snapshot counter = %d, want 3", counters["moves_rejected"])
	}
}

func TestEmptyTimerStats(t *testing.T) {
	c := NewCollector()
	if stats := c.TimerStats("missing"); stats != (Stats{}) {
		t.Fatalf("stats = %+v, want zero", stats)
	}
}
