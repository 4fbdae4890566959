// Package ratelimiter provides a per-source-address token bucket. The
// endpoint consults it to decide when an Initial flood should be answered
// with Retry instead of immediate connection state.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	staleEntryAge           = time.Second
	cleanupInterval         = time.Second
)

type entry struct {
	lastTime time.Time
	tokens   int64
}

// Ratelimiter tracks one token bucket per remote address. Time is supplied
// by the caller; no goroutines or timers run internally.
type Ratelimiter struct {
	mu          sync.Mutex
	table       map[netip.Addr]*entry
	packetCost  int64
	maxTokens   int64
	lastCleanup time.Time
}

// New creates a limiter allowing pps packets per second with the given
// burst per address. Non-positive arguments select defaults.
func New(pps, burst int) *Ratelimiter {
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}
	cost := int64(time.Second / time.Duration(pps))
	return &Ratelimiter{
		table:      make(map[netip.Addr]*entry),
		packetCost: cost,
		maxTokens:  cost * int64(burst),
	}
}

// Allow reports whether a packet from ip should be admitted at time now.
func (rate *Ratelimiter) Allow(ip netip.Addr, now time.Time) bool {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if now.Sub(rate.lastCleanup) > cleanupInterval {
		rate.cleanupLocked(now)
	}

	e := rate.table[ip]
	if e == nil {
		rate.table[ip] = &entry{
			tokens:   rate.maxTokens - rate.packetCost,
			lastTime: now,
		}
		return true
	}
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens >= rate.packetCost {
		e.tokens -= rate.packetCost
		return true
	}
	return false
}

func (rate *Ratelimiter) cleanupLocked(now time.Time) {
	for key, e := range rate.table {
		if now.Sub(e.lastTime) > staleEntryAge {
			delete(rate.table, key)
		}
	}
	rate.lastCleanup = now
}
