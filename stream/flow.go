// Package stream implements stream multiplexing: per-stream send and
// receive state machines, out-of-order reassembly, and stream- and
// connection-level flow control.
package stream

import "time"

// sendLimiter tracks a peer-advertised maximum offset on the send side.
type sendLimiter struct {
	limit       uint64
	sent        uint64
	blockedAt   uint64 // limit at which a BLOCKED frame was last sent
	everBlocked bool
}

// available returns how many bytes may still be sent under the limit.
func (l *sendLimiter) available() uint64 {
	if l.sent >= l.limit {
		return 0
	}
	return l.limit - l.sent
}

// update raises the limit; stale (smaller) values are ignored.
func (l *sendLimiter) update(limit uint64) {
	if limit > l.limit {
		l.limit = limit
	}
}

// shouldSignalBlocked reports whether a (STREAM_)DATA_BLOCKED frame is due
// at the current limit, at most once per limit value.
func (l *sendLimiter) shouldSignalBlocked() bool {
	if l.available() > 0 {
		return false
	}
	return !l.everBlocked || l.blockedAt != l.limit
}

func (l *sendLimiter) signaledBlocked() {
	l.blockedAt = l.limit
	l.everBlocked = true
}

// recvLimiter manages the window we advertise to the peer, auto-tuning its
// size: when the application drains more than half a window within one
// round trip, the window doubles, bounded by the configured ceiling.
type recvLimiter struct {
	limit      uint64 // highest advertised offset
	received   uint64 // highest offset seen (contiguous or not)
	consumed   uint64 // bytes delivered to the application
	windowSize uint64
	maxWindow  uint64

	lastUpdate     time.Time
	consumedAtLast uint64
}

func newRecvLimiter(window, maxWindow uint64) recvLimiter {
	return recvLimiter{limit: window, windowSize: window, maxWindow: maxWindow}
}

// record notes data received up to offset. It reports false when the
// offset breaks the advertised limit (a peer flow-control violation).
func (l *recvLimiter) record(offset uint64) bool {
	if offset > l.limit {
		return false
	}
	if offset > l.received {
		l.received = offset
	}
	return true
}

// onConsumed notes the application read n more bytes and decides whether a
// window update should be sent. rtt supplies the current smoothed RTT.
func (l *recvLimiter) onConsumed(n uint64, now time.Time, rtt time.Duration) {
	l.consumed += n
	if l.lastUpdate.IsZero() {
		l.lastUpdate = now
		l.consumedAtLast = l.consumed
	}
}

// updateDue reports whether a new limit should be advertised: the
// remaining window has dropped below half its size.
func (l *recvLimiter) updateDue() bool {
	return l.limit-l.consumed < l.windowSize/2
}

// nextLimit computes the limit to advertise, growing the window when it
// was drained within one round trip.
func (l *recvLimiter) nextLimit(now time.Time, rtt time.Duration) uint64 {
	if !l.lastUpdate.IsZero() && l.consumed > l.consumedAtLast {
		elapsed := now.Sub(l.lastUpdate)
		drained := l.consumed - l.consumedAtLast
		if drained >= l.windowSize/2 && elapsed <= 2*rtt && l.windowSize < l.maxWindow {
			l.windowSize *= 2
			if l.windowSize > l.maxWindow {
				l.windowSize = l.maxWindow
			}
		}
	}
	l.lastUpdate = now
	l.consumedAtLast = l.consumed
	l.limit = l.consumed + l.windowSize
	return l.limit
}
