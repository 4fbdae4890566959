// Package metrics provides the engine's lightweight instrumentation:
// lock-free counters and gauges for datagram and packet accounting, and
// a bounded sampler for RTT observations. There is no registry and no
// export format; stats surface through snapshot structs.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	v atomic.Int64
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.v.Add(1) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Gauge is an atomic value that moves in both directions.
type Gauge struct {
	v atomic.Int64
}

// Inc increments the gauge by one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec decrements the gauge by one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Set stores v.
func (g *Gauge) Set(v int64) { g.v.Store(v) }

// Load returns the current value.
func (g *Gauge) Load() int64 { return g.v.Load() }

// LatencySampler keeps the most recent duration observations in a fixed
// ring for quantile snapshots, e.g. smoothed-RTT samples per connection.
type LatencySampler struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	count int
}

// NewLatencySampler creates a sampler retaining the last size samples.
func NewLatencySampler(size int) *LatencySampler {
	if size <= 0 {
		size = 128
	}
	return &LatencySampler{ring: make([]time.Duration, size)}
}

// Add records one observation, evicting the oldest when full.
func (s *LatencySampler) Add(d time.Duration) {
	s.mu.Lock()
	s.ring[s.next] = d
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.mu.Unlock()
}

// Count returns the number of retained samples.
func (s *LatencySampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Quantile returns the q-th quantile (0 <= q <= 1) of the retained
// samples, or zero with no samples.
func (s *LatencySampler) Quantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	values := make([]time.Duration, s.count)
	copy(values, s.ring[:s.count])
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	pos := int(math.Ceil(q*float64(s.count))) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= s.count {
		pos = s.count - 1
	}
	return values[pos]
}
