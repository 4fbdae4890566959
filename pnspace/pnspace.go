// Package pnspace tracks the receive side of one packet-number space:
// which packet numbers arrived, duplicate suppression, and when an
// acknowledgment is owed.
package pnspace

import (
	"time"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/internal/dedup"
	"github.com/bridgefall/quic/internal/rangeset"
	"github.com/bridgefall/quic/wire"
)

// Ack-eliciting packets beyond this count trigger an immediate ACK
// instead of waiting out the ack delay.
const immediateAckThreshold = 2

// Keep at most this many distinct ack ranges; the oldest are forgotten
// first, which only risks a spurious retransmission by the peer.
const maxAckRanges = 32

// Tracker is the receive bookkeeping for one space. Not safe for
// concurrent use; the owning connection serializes access.
type Tracker struct {
	space handshake.Space

	ranges rangeset.Set
	window dedup.Window

	largestTime     time.Time
	ackElicitingCnt int
	ackDeadline     time.Time
	ackQueued       bool
	retired         bool

	ect0, ect1, ecnCE uint64
}

// NewTracker creates a tracker for the given space.
func NewTracker(space handshake.Space) *Tracker {
	return &Tracker{space: space}
}

// Space returns the tracked packet-number space.
func (t *Tracker) Space() handshake.Space { return t.space }

// Retired reports whether the space's keys were discarded. Packets for a
// retired space are dropped without processing.
func (t *Tracker) Retired() bool { return t.retired }

// Retire drops all receive state; late packets are no longer accepted.
func (t *Tracker) Retire() {
	t.retired = true
	t.ranges.Reset()
	t.window.Reset()
	t.ackQueued = false
	t.ackDeadline = time.Time{}
}

// Largest returns the highest received packet number and whether any
// packet has been received.
func (t *Tracker) Largest() (uint64, bool) {
	return t.window.Highest(), t.window.Started()
}

// Receive records an arriving packet number. It returns false for
// duplicates (or packets behind the dedup window), in which case the
// packet must not be processed further.
func (t *Tracker) Receive(pn uint64, ackEliciting bool, now time.Time, maxAckDelay time.Duration) bool {
	if t.retired {
		return false
	}
	if !t.window.Accept(pn) {
		return false
	}
	if largest, ok := t.Largest(); ok && pn == largest {
		t.largestTime = now
	}
	t.ranges.Add(pn)
	if t.ranges.Len() > maxAckRanges {
		t.ranges.RemoveBelow(t.ranges.Ascending()[1].Smallest)
	}
	if !ackEliciting {
		return true
	}
	t.ackElicitingCnt++
	switch {
	case t.space != handshake.SpaceOneRTT:
		// Initial and Handshake packets are acknowledged immediately.
		t.ackQueued = true
	case t.ackElicitingCnt >= immediateAckThreshold:
		t.ackQueued = true
	case t.ackDeadline.IsZero():
		t.ackDeadline = now.Add(maxAckDelay)
	}
	// A hole below the largest suggests reordering; ack immediately so
	// the peer's loss detection reacts.
	if t.ranges.Len() > 1 {
		t.ackQueued = true
	}
	return true
}

// ReceiveECN accumulates ECN counts reported by the datagram layer.
func (t *Tracker) ReceiveECN(ect0, ect1, ce uint64) {
	t.ect0 += ect0
	t.ect1 += ect1
	t.ecnCE += ce
}

// AckRequired reports whether an ACK frame must go out now.
func (t *Tracker) AckRequired(now time.Time) bool {
	if t.ackQueued {
		return true
	}
	return !t.ackDeadline.IsZero() && !t.ackDeadline.After(now)
}

// AckDeadline returns the pending delayed-ack deadline, zero when none.
func (t *Tracker) AckDeadline() time.Time {
	if t.ackQueued {
		return time.Time{} // already due
	}
	return t.ackDeadline
}

// HasReceived reports whether anything is available to acknowledge.
func (t *Tracker) HasReceived() bool { return !t.ranges.IsEmpty() }

// BuildAck produces an ACK frame covering everything received, or nil when
// nothing was received yet. exponent is the local ack_delay_exponent.
func (t *Tracker) BuildAck(now time.Time, exponent uint8) *wire.AckFrame {
	if t.ranges.IsEmpty() {
		return nil
	}
	delay := time.Duration(0)
	if !t.largestTime.IsZero() {
		delay = now.Sub(t.largestTime)
	}
	f := &wire.AckFrame{
		DelayRaw: wire.EncodeDelay(delay, exponent),
	}
	for _, r := range t.ranges.Descending() {
		f.Ranges = append(f.Ranges, wire.AckRange{Smallest: r.Smallest, Largest: r.Largest})
	}
	if t.ect0|t.ect1|t.ecnCE != 0 {
		f.ECN = true
		f.ECT0, f.ECT1, f.ECNCE = t.ect0, t.ect1, t.ecnCE
	}
	return f
}

// OnAckSent clears pending-ack state after an ACK frame was packed.
func (t *Tracker) OnAckSent() {
	t.ackQueued = false
	t.ackDeadline = time.Time{}
	t.ackElicitingCnt = 0
}
