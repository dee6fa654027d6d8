// Package metrics collects lightweight latency samples for the hot paths
// (move validation, state apply, broadcast fan-out) without an external
// metrics pipeline.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// sampleWindow bounds the per-timer history so stats reflect recent load.
const sampleWindow = 100

// Stats summarises the retained samples for one named timer.
type Stats struct {
	Count   uint64        `json:"count"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P95     time.Duration `json:"p95"`
}

// Collector aggregates duration samples and counters keyed by name.
type Collector struct {
	mu       sync.Mutex
	now      func() time.Time
	timers   map[string]*ring
	counters map[string]uint64
}

type ring struct {
	samples []time.Duration
	next    int
	total   uint64
}

// Option customises Collector construction.
type Option func(*Collector)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewCollector constructs an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		now:      time.Now,
		timers:   make(map[string]*ring),
		counters: make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StartTiming returns a completion func that records the elapsed duration
// under name when invoked.
func (c *Collector) StartTiming(name string) func() {
	if c == nil {
		return func() {}
	}
	start := c.now()
	return func() {
		c.Observe(name, c.now().Sub(start))
	}
}

// Observe records one duration sample under name.
func (c *Collector) Observe(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.timers[name]
	if !ok {
		r = &ring{samples: make([]time.Duration, 0, sampleWindow)}
		c.timers[name] = r
	}
	r.total++
	if len(r.samples) < sampleWindow {
		r.samples = append(r.samples, d)
		return
	}
	//1.- The ring overwrites the oldest sample once the window is full.
	r.samples[r.next] = d
	r.next = (r.next + 1) % sampleWindow
}

// Add bumps the named counter by delta.
func (c *Collector) Add(name string, delta uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (c *Collector) Counter(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// TimerStats computes the summary for one named timer. The zero Stats is
// returned when the timer has no samples.
func (c *Collector) TimerStats(name string) Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.timers[name]
	if !ok || len(r.samples) == 0 {
		return Stats{}
	}
	return summarise(r)
}

// Snapshot reports the stats for every timer plus all counters.
func (c *Collector) Snapshot() (map[string]Stats, map[string]uint64) {
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timers := make(map[string]Stats, len(c.timers))
	for name, r := range c.timers {
		if len(r.samples) == 0 {
			continue
		}
		timers[name] = summarise(r)
	}
	counters := make(map[string]uint64, len(c.counters))
	for name, value := range c.counters {
		counters[name] = value
	}
	return timers, counters
}

func summarise(r *ring) Stats {
	sorted := append([]time.Duration(nil), r.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	//1.- P95 indexes into the sorted copy; small windows round down.
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return Stats{
		Count:   r.total,
		Average: sum / time.Duration(len(sorted)),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P95:     sorted[idx],
	}
}
