package recovery

import (
	"time"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/wire"
)

const (
	// packetThreshold packets acknowledged past an outstanding one
	// declare it lost (RFC 9002 section 6.1.1).
	packetThreshold = 3

	// timeThreshold scales the RTT-based loss delay (9/8).
	timeThresholdNum = 9
	timeThresholdDen = 8

	// Consecutive PTOs double the backoff; beyond this many the close
	// timer will have fired anyway.
	maxPTOBackoff = 6
)

// SentPacket records one sent packet for acknowledgment and loss
// bookkeeping. Frames are retained so a loss can schedule retransmission.
type SentPacket struct {
	Number       uint64
	Time         time.Time
	Size         int
	AckEliciting bool
	InFlight     bool
	Frames       []wire.Frame
}

type sentSpace struct {
	packets       []*SentPacket // ascending packet number
	nextPN        uint64
	largestAcked  uint64
	hasAcked      bool
	lossTime      time.Time
	lastAckElTime time.Time
	ackElCount    int
}

func (s *sentSpace) remove(i int) {
	s.packets = append(s.packets[:i], s.packets[i+1:]...)
}

// Manager owns loss detection and congestion state for a connection.
type Manager struct {
	rtt RTTEstimator
	cc  *NewReno

	spaces    [handshake.SpaceCount]sentSpace
	discarded [handshake.SpaceCount]bool

	ptoCount          uint32
	maxAckDelay       time.Duration
	handshakeComplete bool
	lastSentTime      time.Time
}

// NewManager creates a recovery manager. maxDatagramSize feeds the
// congestion controller's window units.
func NewManager(maxDatagramSize int) *Manager {
	return &Manager{cc: NewNewReno(maxDatagramSize)}
}

// RTT exposes the estimator, e.g. for PTO-derived connection timers.
func (m *Manager) RTT() *RTTEstimator { return &m.rtt }

// SetMaxAckDelay installs the peer's max_ack_delay once negotiated.
func (m *Manager) SetMaxAckDelay(d time.Duration) { m.maxAckDelay = d }

// SetHandshakeComplete stops anti-deadlock probing once the handshake
// finished.
func (m *Manager) SetHandshakeComplete() { m.handshakeComplete = true }

// PTO returns the current probe timeout with exponential backoff applied.
func (m *Manager) PTO(space handshake.Space) time.Duration {
	ackDelay := time.Duration(0)
	if space == handshake.SpaceOneRTT {
		ackDelay = m.maxAckDelay
	}
	backoff := m.ptoCount
	if backoff > maxPTOBackoff {
		backoff = maxPTOBackoff
	}
	return m.rtt.PTO(ackDelay) << backoff
}

// BasePTO returns the PTO without backoff, used for close/drain timers.
func (m *Manager) BasePTO() time.Duration {
	return m.rtt.PTO(m.maxAckDelay)
}

// NextPacketNumber allocates the next packet number for a space. Numbers
// are monotonic per space and never reused.
func (m *Manager) NextPacketNumber(space handshake.Space) uint64 {
	pn := m.spaces[space].nextPN
	m.spaces[space].nextPN++
	return pn
}

// PeekPacketNumber returns the next packet number without consuming it.
func (m *Manager) PeekPacketNumber(space handshake.Space) uint64 {
	return m.spaces[space].nextPN
}

// LargestAcked returns the largest acknowledged packet number for a space.
func (m *Manager) LargestAcked(space handshake.Space) (uint64, bool) {
	s := &m.spaces[space]
	return s.largestAcked, s.hasAcked
}

// OnPacketSent records a sent packet.
func (m *Manager) OnPacketSent(space handshake.Space, p *SentPacket) {
	if m.discarded[space] {
		return
	}
	s := &m.spaces[space]
	s.packets = append(s.packets, p)
	m.lastSentTime = p.Time
	if p.AckEliciting {
		s.lastAckElTime = p.Time
		s.ackElCount++
	}
	if p.InFlight {
		m.cc.OnPacketSent(p.Size)
	}
}

// AckResult reports the outcome of processing one ACK frame.
type AckResult struct {
	NewlyAcked []*SentPacket
	Lost       []*SentPacket
}

// OnAckReceived processes an ACK frame for a space. ackDelay is the
// peer-reported delay already decoded into a duration.
func (m *Manager) OnAckReceived(space handshake.Space, ack *wire.AckFrame, ackDelay time.Duration, now time.Time) (AckResult, error) {
	var res AckResult
	if m.discarded[space] {
		return res, nil
	}
	s := &m.spaces[space]
	largest := ack.LargestAcked()
	if largest >= s.nextPN {
		return res, wire.NewError(wire.ProtocolViolation, "ack for packet never sent")
	}
	if !s.hasAcked || largest > s.largestAcked {
		s.largestAcked = largest
		s.hasAcked = true
	}

	var largestNewlyAcked *SentPacket
	kept := s.packets[:0]
	for _, p := range s.packets {
		if ack.AcksPacket(p.Number) {
			res.NewlyAcked = append(res.NewlyAcked, p)
			if largestNewlyAcked == nil || p.Number > largestNewlyAcked.Number {
				largestNewlyAcked = p
			}
			continue
		}
		kept = append(kept, p)
	}
	s.packets = kept
	if len(res.NewlyAcked) == 0 {
		return res, nil
	}

	// RTT sample from the largest newly acknowledged packet, only if it
	// was ack-eliciting and is the frame's largest.
	if largestNewlyAcked.Number == largest && largestNewlyAcked.AckEliciting {
		if space != handshake.SpaceOneRTT {
			ackDelay = 0
		} else if ackDelay > m.maxAckDelay && m.handshakeComplete {
			ackDelay = m.maxAckDelay
		}
		m.rtt.Update(now.Sub(largestNewlyAcked.Time), ackDelay)
	}

	for _, p := range res.NewlyAcked {
		if p.AckEliciting {
			s.ackElCount--
		}
		if p.InFlight {
			m.cc.OnPacketAcked(p.Size, p.Time)
		}
	}

	res.Lost = m.detectLost(space, now)
	m.ptoCount = 0
	return res, nil
}

// detectLost marks packets lost by the packet or time threshold and arms
// the space's loss timer for the earliest not-yet-expired candidate.
func (m *Manager) detectLost(space handshake.Space, now time.Time) []*SentPacket {
	s := &m.spaces[space]
	s.lossTime = time.Time{}
	if !s.hasAcked {
		return nil
	}
	maxRTT := m.rtt.Smoothed()
	if l := m.rtt.Latest(); l > maxRTT {
		maxRTT = l
	}
	lossDelay := maxRTT * timeThresholdNum / timeThresholdDen
	if lossDelay < granularity {
		lossDelay = granularity
	}
	lostBefore := now.Add(-lossDelay)

	var lost []*SentPacket
	kept := s.packets[:0]
	for _, p := range s.packets {
		if p.Number > s.largestAcked {
			kept = append(kept, p)
			continue
		}
		if !p.Time.After(lostBefore) || s.largestAcked >= p.Number+packetThreshold {
			lost = append(lost, p)
			continue
		}
		// Not lost yet: will cross the time threshold later.
		if t := p.Time.Add(lossDelay); s.lossTime.IsZero() || t.Before(s.lossTime) {
			s.lossTime = t
		}
		kept = append(kept, p)
	}
	s.packets = kept

	var latestLossSent time.Time
	for _, p := range lost {
		if p.AckEliciting {
			s.ackElCount--
		}
		if p.InFlight {
			m.cc.OnPacketLost(p.Size)
			if p.Time.After(latestLossSent) {
				latestLossSent = p.Time
			}
		}
	}
	if !latestLossSent.IsZero() {
		m.cc.OnCongestionEvent(latestLossSent, now)
		if m.isPersistentCongestion(lost) {
			m.cc.OnPersistentCongestion()
		}
	}
	return lost
}

// isPersistentCongestion checks whether the lost packets span a duration
// exceeding the persistent-congestion threshold (3 PTO) with no ack in
// between (approximated by the span of the loss burst itself).
func (m *Manager) isPersistentCongestion(lost []*SentPacket) bool {
	if !m.rtt.HasSample() || len(lost) < 2 {
		return false
	}
	var first, last *SentPacket
	for _, p := range lost {
		if !p.AckEliciting {
			continue
		}
		if first == nil || p.Time.Before(first.Time) {
			first = p
		}
		if last == nil || p.Time.After(last.Time) {
			last = p
		}
	}
	if first == nil || last == first {
		return false
	}
	duration := m.rtt.PTO(m.maxAckDelay) * 3
	return last.Time.Sub(first.Time) > duration
}

// LossDetectionTimeout returns the next loss or PTO deadline, or zero when
// no timer needs to run. While the handshake is incomplete a probe
// deadline exists even with nothing ack-eliciting outstanding, so a lost
// flight cannot deadlock the connection silently.
func (m *Manager) LossDetectionTimeout() time.Time {
	if lt, _ := m.earliestLossTime(); !lt.IsZero() {
		return lt
	}
	if pto, ok := m.earliestPTO(); ok {
		return pto
	}
	if !m.handshakeComplete && !m.lastSentTime.IsZero() {
		return m.lastSentTime.Add(m.PTO(handshake.SpaceHandshake))
	}
	return time.Time{}
}

func (m *Manager) earliestLossTime() (time.Time, handshake.Space) {
	var t time.Time
	space := handshake.SpaceInitial
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		lt := m.spaces[sp].lossTime
		if !lt.IsZero() && (t.IsZero() || lt.Before(t)) {
			t = lt
			space = sp
		}
	}
	return t, space
}

func (m *Manager) earliestPTO() (time.Time, bool) {
	var t time.Time
	found := false
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if m.discarded[sp] {
			continue
		}
		s := &m.spaces[sp]
		if s.ackElCount == 0 || s.lastAckElTime.IsZero() {
			continue
		}
		deadline := s.lastAckElTime.Add(m.PTO(sp))
		if !found || deadline.Before(t) {
			t = deadline
			found = true
		}
	}
	return t, found
}

func (m *Manager) hasAckElicitingInFlight() bool {
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if m.spaces[sp].ackElCount > 0 {
			return true
		}
	}
	return false
}

// TimeoutResult describes what a fired loss-detection timer requires.
type TimeoutResult struct {
	Lost []*SentPacket
	// LostSpace is the space the Lost packets belong to.
	LostSpace handshake.Space
	// ProbeSpace and SendProbes are set when a PTO fired: the
	// connection should send up to SendProbes ack-eliciting packets in
	// ProbeSpace, ignoring the congestion window.
	SendProbes int
	ProbeSpace handshake.Space
}

// OnLossDetectionTimeout handles a fired (possibly late or coalesced)
// timer by re-evaluating state. Safe to call when no deadline actually
// elapsed.
func (m *Manager) OnLossDetectionTimeout(now time.Time) TimeoutResult {
	var res TimeoutResult
	lt, space := m.earliestLossTime()
	if !lt.IsZero() && !lt.After(now) {
		res.Lost = m.detectLost(space, now)
		res.LostSpace = space
		return res
	}
	pto, ok := m.earliestPTO()
	if !ok {
		if m.handshakeComplete || m.lastSentTime.IsZero() {
			return res
		}
		pto = m.lastSentTime.Add(m.PTO(handshake.SpaceHandshake))
	}
	if pto.After(now) {
		return res
	}
	// PTO fired: probe the earliest space with data outstanding, or the
	// earliest live space while the handshake is completing.
	m.ptoCount++
	res.SendProbes = 2
	res.ProbeSpace = handshake.SpaceOneRTT
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if m.discarded[sp] {
			continue
		}
		if m.spaces[sp].ackElCount > 0 || !m.handshakeComplete {
			res.ProbeSpace = sp
			break
		}
	}
	return res
}

// RetransmittableFrames returns frames from a space still awaiting
// acknowledgment, oldest first, for probe packets.
func (m *Manager) RetransmittableFrames(space handshake.Space) []wire.Frame {
	var frames []wire.Frame
	for _, p := range m.spaces[space].packets {
		if !p.AckEliciting {
			continue
		}
		frames = append(frames, p.Frames...)
	}
	return frames
}

// DiscardSpace drops all bookkeeping for a space when its keys are
// discarded. In-flight bytes of that space stop counting against the
// congestion window and its timers are cleared.
func (m *Manager) DiscardSpace(space handshake.Space) {
	s := &m.spaces[space]
	freed := 0
	for _, p := range s.packets {
		if p.InFlight {
			freed += p.Size
		}
	}
	m.cc.OnSpaceDiscarded(freed)
	*s = sentSpace{nextPN: s.nextPN}
	m.discarded[space] = true
	m.ptoCount = 0
}

// CanSend reports whether a packet of the given size fits under the
// congestion window.
func (m *Manager) CanSend(size int) bool { return m.cc.CanSend(size) }

// CongestionWindow returns the congestion window in bytes.
func (m *Manager) CongestionWindow() int { return m.cc.Window() }

// BytesInFlight returns the in-flight byte count.
func (m *Manager) BytesInFlight() int { return m.cc.BytesInFlight() }

// AvailableCongestionWindow returns the remaining window in bytes.
func (m *Manager) AvailableCongestionWindow() int { return m.cc.Available() }

// PTOCount returns the consecutive PTO expiries since the last ack.
func (m *Manager) PTOCount() uint32 { return m.ptoCount }
