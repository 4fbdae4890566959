// Package recovery implements RTT estimation, loss detection, probe
// timeouts and NewReno congestion control (RFC 9002).
package recovery

import "time"

const (
	// Timer granularity floor for loss delays and PTO.
	granularity = time.Millisecond

	initialRTT = 333 * time.Millisecond
)

// RTTEstimator keeps the smoothed RTT and its variance, updated from each
// newly-acknowledged largest packet (RFC 9002 section 5.3).
type RTTEstimator struct {
	hasSample bool
	latest    time.Duration
	min       time.Duration
	smoothed  time.Duration
	variance  time.Duration
}

// Update records an RTT sample. ackDelay is the peer-reported delay, only
// subtracted once a first sample established the minimum.
func (r *RTTEstimator) Update(sample, ackDelay time.Duration) {
	if sample <= 0 {
		return
	}
	r.latest = sample
	if !r.hasSample {
		r.hasSample = true
		r.min = sample
		r.smoothed = sample
		r.variance = sample / 2
		return
	}
	if sample < r.min {
		r.min = sample
	}
	adjusted := sample
	if adjusted-r.min > ackDelay {
		adjusted -= ackDelay
	}
	d := r.smoothed - adjusted
	if d < 0 {
		d = -d
	}
	r.variance = (3*r.variance + d) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

// Smoothed returns the smoothed RTT, or the initial default before any
// sample exists.
func (r *RTTEstimator) Smoothed() time.Duration {
	if !r.hasSample {
		return initialRTT
	}
	return r.smoothed
}

// Latest returns the most recent raw sample.
func (r *RTTEstimator) Latest() time.Duration {
	if !r.hasSample {
		return initialRTT
	}
	return r.latest
}

// Min returns the minimum observed RTT.
func (r *RTTEstimator) Min() time.Duration { return r.min }

// HasSample reports whether any RTT sample has been taken.
func (r *RTTEstimator) HasSample() bool { return r.hasSample }

// PTO returns the probe timeout interval. maxAckDelay is added only for
// spaces where the peer may delay acknowledgments (1-RTT).
func (r *RTTEstimator) PTO(maxAckDelay time.Duration) time.Duration {
	v := 4 * r.variance
	if !r.hasSample {
		v = 2 * initialRTT
	}
	if v < granularity {
		v = granularity
	}
	return r.Smoothed() + v + maxAckDelay
}
