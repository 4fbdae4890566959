package recovery

import "time"

const (
	// Congestion window constants in units of max datagram size
	// (RFC 9002 section 7.2).
	initialWindowPackets = 10
	minWindowPackets     = 2

	lossReductionFactor = 2
)

// NewReno is the loss-based congestion controller of RFC 9002: slow start,
// congestion avoidance and a recovery period keyed on send times.
type NewReno struct {
	maxDatagramSize int

	window        int
	ssthresh      int
	bytesInFlight int
	recoveryStart time.Time
	inRecovery    bool
	ackedInAvoid  int
}

// NewNewReno creates a controller for the given datagram size.
func NewNewReno(maxDatagramSize int) *NewReno {
	return &NewReno{
		maxDatagramSize: maxDatagramSize,
		window:          initialWindowPackets * maxDatagramSize,
		ssthresh:        1 << 62,
	}
}

// Window returns the current congestion window in bytes.
func (c *NewReno) Window() int { return c.window }

// BytesInFlight returns the ack-eliciting bytes currently outstanding.
func (c *NewReno) BytesInFlight() int { return c.bytesInFlight }

// CanSend reports whether size more bytes fit under the window right now.
// Callers must check this before authorizing any new in-flight packet.
func (c *NewReno) CanSend(size int) bool {
	return c.bytesInFlight+size <= c.window
}

// Available returns how many bytes remain under the window.
func (c *NewReno) Available() int {
	if c.bytesInFlight >= c.window {
		return 0
	}
	return c.window - c.bytesInFlight
}

// InSlowStart reports whether the controller is in slow start.
func (c *NewReno) InSlowStart() bool { return c.window < c.ssthresh }

// OnPacketSent records size in-flight bytes.
func (c *NewReno) OnPacketSent(size int) {
	c.bytesInFlight += size
}

// OnPacketAcked grows the window for a newly acknowledged packet that was
// counted in flight, unless it was sent during the current recovery period.
func (c *NewReno) OnPacketAcked(size int, sentTime time.Time) {
	c.bytesInFlight -= size
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	if c.inRecovery && !sentTime.After(c.recoveryStart) {
		return
	}
	c.inRecovery = false
	if c.InSlowStart() {
		c.window += size
		return
	}
	// Additive increase: one datagram per window's worth of acks.
	c.ackedInAvoid += size
	if c.ackedInAvoid >= c.window {
		c.window += c.maxDatagramSize
		c.ackedInAvoid -= c.window
		if c.ackedInAvoid < 0 {
			c.ackedInAvoid = 0
		}
	}
}

// OnPacketLost removes a lost packet's bytes from flight.
func (c *NewReno) OnPacketLost(size int) {
	c.bytesInFlight -= size
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

// OnCongestionEvent reacts to a loss of a packet sent at sentTime. Losses
// within an existing recovery period are ignored so one burst collapses
// the window only once.
func (c *NewReno) OnCongestionEvent(sentTime, now time.Time) {
	if c.inRecovery && !sentTime.After(c.recoveryStart) {
		return
	}
	c.inRecovery = true
	c.recoveryStart = now
	c.window /= lossReductionFactor
	minWindow := minWindowPackets * c.maxDatagramSize
	if c.window < minWindow {
		c.window = minWindow
	}
	c.ssthresh = c.window
	c.ackedInAvoid = 0
}

// OnPersistentCongestion collapses the window to the minimum.
func (c *NewReno) OnPersistentCongestion() {
	c.window = minWindowPackets * c.maxDatagramSize
	c.ssthresh = c.window
	c.inRecovery = false
	c.ackedInAvoid = 0
}

// OnSpaceDiscarded removes bytes that will never be acknowledged because
// their packet-number space was dropped.
func (c *NewReno) OnSpaceDiscarded(bytes int) {
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}
