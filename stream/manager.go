package stream

import (
	"time"

	"github.com/bridgefall/quic/wire"
)

// Limits configures the manager's local windows and ceilings.
type Limits struct {
	// Initial receive windows advertised to the peer.
	StreamWindowBidiLocal  uint64
	StreamWindowBidiRemote uint64
	StreamWindowUni        uint64
	ConnWindow             uint64

	// Auto-tuning ceilings.
	MaxStreamWindow uint64
	MaxConnWindow   uint64

	// Cumulative stream counts the peer may open.
	MaxStreamsBidi uint64
	MaxStreamsUni  uint64

	// Per-stream send buffer ceiling.
	MaxSendBuffer uint64
}

// PeerLimits is the peer's advertised initial limits.
type PeerLimits struct {
	StreamDataBidiLocal  uint64 // peer's "local" side: streams we open
	StreamDataBidiRemote uint64
	StreamDataUni        uint64
	MaxData              uint64
	MaxStreamsBidi       uint64
	MaxStreamsUni        uint64
}

// Events accumulates application-visible stream changes between polls.
type Events struct {
	New      []uint64 // peer-opened streams
	Readable []uint64
	Reset    []uint64
}

// Manager owns all streams of a connection plus the connection-level flow
// controllers and stream-count limits. Access is serialized by the owning
// connection.
type Manager struct {
	isClient bool
	limits   Limits
	peer     PeerLimits
	havePeer bool

	streams map[uint64]*Stream

	// Send scheduling order; stream IDs cycle to the back after sending.
	sendQueue []uint64

	// Connection-level flow control.
	connSend sendLimiter
	connRecv recvLimiter

	// Stream-count accounting per type.
	nextStreamNum  [2]uint64 // index: 0 bidi, 1 uni (locally opened)
	peerMaxStreams [2]uint64 // limit on streams we open
	localMax       [2]uint64 // limit we advertised
	peerOpened     [2]uint64 // highest count the peer has opened
	localClosed    [2]uint64 // collected peer streams, frees limit
	maxStreamsDue  [2]bool

	// Control frames waiting for a packet.
	pendingControl []wire.Frame

	events Events

	now func() time.Time
	rtt func() time.Duration
}

// NewManager creates a stream manager. now and rtt supply the connection's
// clock and smoothed RTT for window auto-tuning.
func NewManager(isClient bool, limits Limits, now func() time.Time, rtt func() time.Duration) *Manager {
	m := &Manager{
		isClient: isClient,
		limits:   limits,
		streams:  make(map[uint64]*Stream),
		connRecv: newRecvLimiter(limits.ConnWindow, limits.MaxConnWindow),
		now:      now,
		rtt:      rtt,
	}
	m.localMax[0] = limits.MaxStreamsBidi
	m.localMax[1] = limits.MaxStreamsUni
	return m
}

// SetPeerLimits installs the peer's transport-parameter limits. Until this
// is called (0-RTT aside) nothing can be sent on streams.
func (m *Manager) SetPeerLimits(p PeerLimits) {
	m.peer = p
	m.havePeer = true
	m.connSend.update(p.MaxData)
	m.peerMaxStreams[0] = p.MaxStreamsBidi
	m.peerMaxStreams[1] = p.MaxStreamsUni
	// Streams opened before the handshake finished (0-RTT) pick up
	// their send limits now.
	for _, s := range m.streams {
		if m.isLocalInitiated(s.id) || IsBidi(s.id) {
			s.sendLim.update(m.initialSendLimit(s.id))
		}
	}
}

func (m *Manager) isLocalInitiated(id uint64) bool {
	return IsClientInitiated(id) == m.isClient
}

func dirIndex(bidi bool) int {
	if bidi {
		return 0
	}
	return 1
}

// initialSendLimit picks the peer-advertised initial window for a stream
// we send on.
func (m *Manager) initialSendLimit(id uint64) uint64 {
	if !IsBidi(id) {
		if m.isLocalInitiated(id) {
			return m.peer.StreamDataUni
		}
		return 0
	}
	if m.isLocalInitiated(id) {
		// Peer receives on its "remote" side.
		return m.peer.StreamDataBidiRemote
	}
	return m.peer.StreamDataBidiLocal
}

// initialRecvWindow picks the local window for a stream we receive on.
func (m *Manager) initialRecvWindow(id uint64) uint64 {
	if !IsBidi(id) {
		return m.limits.StreamWindowUni
	}
	if m.isLocalInitiated(id) {
		return m.limits.StreamWindowBidiLocal
	}
	return m.limits.StreamWindowBidiRemote
}

func (m *Manager) newStream(id uint64) *Stream {
	s := &Stream{
		id:            id,
		mgr:           m,
		maxSendBuffer: m.limits.MaxSendBuffer,
		recvLim:       newRecvLimiter(m.initialRecvWindow(id), m.limits.MaxStreamWindow),
	}
	if m.havePeer {
		s.sendLim.update(m.initialSendLimit(id))
	}
	m.streams[id] = s
	m.sendQueue = append(m.sendQueue, id)
	return s
}

// Open creates a locally-initiated stream, or returns ErrWouldBlock when
// the peer's stream-count limit is exhausted.
func (m *Manager) Open(bidi bool) (*Stream, error) {
	d := dirIndex(bidi)
	if m.nextStreamNum[d] >= m.peerMaxStreams[d] {
		m.queueControl(&wire.StreamsBlockedFrame{Bidi: bidi, StreamLimit: m.peerMaxStreams[d]})
		return nil, ErrWouldBlock
	}
	num := m.nextStreamNum[d]
	m.nextStreamNum[d]++
	id := num << 2
	if !bidi {
		id |= 0x2
	}
	if !m.isClient {
		id |= 0x1
	}
	return m.newStream(id), nil
}

// Get returns a stream by ID, nil when unknown or already collected.
func (m *Manager) Get(id uint64) *Stream { return m.streams[id] }

// ensureRecvStream resolves an incoming frame's stream, implicitly opening
// peer-initiated streams up to the referenced one.
func (m *Manager) ensureRecvStream(id uint64, forSend bool) (*Stream, error) {
	if m.isLocalInitiated(id) {
		// The peer cannot send data or resets on our unidirectional
		// streams.
		if forSend && !IsBidi(id) {
			return nil, wire.NewError(wire.StreamStateError, "data on a send-only stream")
		}
		if s := m.streams[id]; s != nil {
			return s, nil
		}
		// Frames for a local stream we never opened, or one already
		// collected. The former is a peer error.
		d := dirIndex(IsBidi(id))
		if StreamNum(id) >= m.nextStreamNum[d] {
			return nil, wire.NewError(wire.StreamStateError, "frame for unopened local stream")
		}
		return nil, nil // collected; drop silently
	}
	if s := m.streams[id]; s != nil {
		return s, nil
	}
	d := dirIndex(IsBidi(id))
	num := StreamNum(id)
	if num >= m.localMax[d] {
		return nil, wire.NewError(wire.StreamLimitError, "peer exceeded stream limit")
	}
	if num < m.peerOpened[d] {
		return nil, nil // lower-numbered, already collected
	}
	// Open this stream and any skipped lower-numbered ones.
	for n := m.peerOpened[d]; n <= num; n++ {
		sid := n<<2 | uint64(d)<<1
		if m.isClient {
			sid |= 0x1
		}
		m.newStream(sid)
		m.events.New = append(m.events.New, sid)
	}
	m.peerOpened[d] = num + 1
	return m.streams[id], nil
}

// HandleFrame dispatches one stream-related frame.
func (m *Manager) HandleFrame(f wire.Frame) error {
	switch fr := f.(type) {
	case *wire.StreamFrame:
		s, err := m.ensureRecvStream(fr.StreamID, true)
		if err != nil || s == nil {
			return err
		}
		wasReadable := s.recv.Readable() > 0
		if err := s.handleStreamFrame(fr); err != nil {
			return err
		}
		if !wasReadable && (s.recv.Readable() > 0 || s.recvState == RecvDataRecvd) {
			m.events.Readable = append(m.events.Readable, s.id)
		}
		return nil
	case *wire.ResetStreamFrame:
		s, err := m.ensureRecvStream(fr.StreamID, true)
		if err != nil || s == nil {
			return err
		}
		if err := s.handleReset(fr); err != nil {
			return err
		}
		m.events.Reset = append(m.events.Reset, s.id)
		return nil
	case *wire.StopSendingFrame:
		s, err := m.ensureRecvStream(fr.StreamID, false)
		if err != nil || s == nil {
			return err
		}
		if !m.isLocalInitiated(fr.StreamID) && !IsBidi(fr.StreamID) {
			return wire.NewError(wire.StreamStateError, "STOP_SENDING on a receive-only stream")
		}
		s.handleStopSending(fr)
		return nil
	case *wire.MaxDataFrame:
		m.connSend.update(fr.MaximumData)
		return nil
	case *wire.MaxStreamDataFrame:
		s, err := m.ensureRecvStream(fr.StreamID, false)
		if err != nil || s == nil {
			return err
		}
		s.handleMaxStreamData(fr)
		return nil
	case *wire.MaxStreamsFrame:
		d := dirIndex(fr.Bidi)
		if fr.MaximumStreams > m.peerMaxStreams[d] {
			m.peerMaxStreams[d] = fr.MaximumStreams
		}
		return nil
	case *wire.DataBlockedFrame, *wire.StreamsBlockedFrame:
		// Peer-side congestion signals; our window updates are driven
		// by consumption, nothing to do beyond noting them.
		return nil
	case *wire.StreamDataBlockedFrame:
		_, err := m.ensureRecvStream(fr.StreamID, false)
		return err
	}
	return nil
}

// PollEvents drains accumulated stream events.
func (m *Manager) PollEvents() Events {
	e := m.events
	m.events = Events{}
	return e
}

func (m *Manager) queueControl(f wire.Frame) {
	m.pendingControl = append(m.pendingControl, f)
}

// WantsToSend reports whether any stream or control frame is waiting.
func (m *Manager) WantsToSend() bool {
	if len(m.pendingControl) > 0 || m.connRecv.updateDue() {
		return true
	}
	for _, id := range m.sendQueue {
		if s := m.streams[id]; s != nil && s.wantsToSend() {
			return true
		}
	}
	return false
}

// connCredit returns unsent connection-level credit.
func (m *Manager) connCredit() uint64 { return m.connSend.available() }

// AppendFrames contributes stream and flow-control frames totalling at
// most maxBytes of encoded size. Returned frames are already accounted
// against flow control; the caller must place them in a packet.
func (m *Manager) AppendFrames(maxBytes int) []wire.Frame {
	var frames []wire.Frame
	remaining := maxBytes

	appendFrame := func(f wire.Frame) bool {
		n := f.EncodedLen()
		if n > remaining {
			return false
		}
		frames = append(frames, f)
		remaining -= n
		return true
	}

	// Window updates first; they unblock the peer.
	if m.connRecv.updateDue() {
		limit := m.connRecv.nextLimit(m.now(), m.rtt())
		appendFrame(&wire.MaxDataFrame{MaximumData: limit})
	}
	for d := 0; d < 2; d++ {
		if m.maxStreamsDue[d] {
			m.maxStreamsDue[d] = false
			appendFrame(&wire.MaxStreamsFrame{Bidi: d == 0, MaximumStreams: m.localMax[d]})
		}
	}
	for _, id := range m.sendQueue {
		s := m.streams[id]
		if s == nil {
			continue
		}
		if s.updateDue() {
			limit := s.nextRecvLimit(m.now(), m.rtt())
			appendFrame(&wire.MaxStreamDataFrame{StreamID: id, MaximumData: limit})
		}
		if s.resetPending && remaining > 0 {
			f := &wire.ResetStreamFrame{
				StreamID:  s.id,
				ErrorCode: s.resetCode,
				FinalSize: s.sendLim.sent,
			}
			if appendFrame(f) {
				s.resetPending = false
				s.resetInFlight = true
			}
		}
		if s.stopPending && remaining > 0 {
			f := &wire.StopSendingFrame{StreamID: s.id, ErrorCode: s.stopCode}
			if appendFrame(f) {
				s.stopPending = false
				s.stopRequested = true
			}
		}
	}
	// Queued one-shot control frames.
	kept := m.pendingControl[:0]
	for _, f := range m.pendingControl {
		if !appendFrame(f) {
			kept = append(kept, f)
		}
	}
	m.pendingControl = kept

	// Stream data, round-robin.
	served := 0
	for i := 0; i < len(m.sendQueue) && remaining > 0; i++ {
		id := m.sendQueue[i]
		s := m.streams[id]
		if s == nil {
			continue
		}
		f, credit := s.appendStreamFrame(remaining, m.connCredit())
		if f == nil {
			// Blocked signals.
			if s.send.HasPending() && s.sendLim.available() == 0 && s.sendLim.shouldSignalBlocked() {
				bf := &wire.StreamDataBlockedFrame{StreamID: id, DataLimit: s.sendLim.limit}
				if appendFrame(bf) {
					s.sendLim.signaledBlocked()
				}
			} else if s.send.HasPending() && m.connCredit() == 0 && m.connSend.shouldSignalBlocked() {
				bf := &wire.DataBlockedFrame{DataLimit: m.connSend.limit}
				if appendFrame(bf) {
					m.connSend.signaledBlocked()
				}
			}
			continue
		}
		m.connSend.sent += credit
		frames = append(frames, f)
		remaining -= f.EncodedLen()
		served++
	}
	if served > 0 {
		// Rotate the queue so streams share bandwidth across packets.
		rotate := served
		if rotate > len(m.sendQueue) {
			rotate = len(m.sendQueue)
		}
		m.sendQueue = append(m.sendQueue[rotate:], m.sendQueue[:rotate]...)
	}
	return frames
}

// OnFrameAcked dispatches acknowledgment of stream-related frames.
func (m *Manager) OnFrameAcked(f wire.Frame) {
	switch fr := f.(type) {
	case *wire.StreamFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			s.onFrameAcked(fr)
			m.maybeCollect(s)
		}
	case *wire.ResetStreamFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			s.onResetAcked()
			m.maybeCollect(s)
		}
	}
}

// OnFrameLost dispatches loss of stream-related frames, requeueing state
// so it retransmits.
func (m *Manager) OnFrameLost(f wire.Frame) {
	switch fr := f.(type) {
	case *wire.StreamFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			s.onFrameLost(fr)
		}
	case *wire.ResetStreamFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			s.onResetLost()
		}
	case *wire.StopSendingFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			s.stopPending = true
		}
	case *wire.MaxDataFrame:
		// Re-advertise the current (possibly larger) limit.
		m.queueControl(&wire.MaxDataFrame{MaximumData: m.connRecv.limit})
	case *wire.MaxStreamDataFrame:
		if s := m.streams[fr.StreamID]; s != nil {
			m.queueControl(&wire.MaxStreamDataFrame{StreamID: fr.StreamID, MaximumData: s.recvLim.limit})
		}
	case *wire.MaxStreamsFrame:
		d := dirIndex(fr.Bidi)
		m.maxStreamsDue[d] = true
	}
}

// maybeCollect removes a stream whose halves are terminal, raising the
// peer's stream-count limit when it was peer-initiated.
func (m *Manager) maybeCollect(s *Stream) {
	if !s.done() {
		return
	}
	delete(m.streams, s.id)
	for i, id := range m.sendQueue {
		if id == s.id {
			m.sendQueue = append(m.sendQueue[:i], m.sendQueue[i+1:]...)
			break
		}
	}
	if !m.isLocalInitiated(s.id) {
		d := dirIndex(IsBidi(s.id))
		m.localClosed[d]++
		m.localMax[d]++
		m.maxStreamsDue[d] = true
	}
}

// CollectDone sweeps all streams for terminal states, e.g. after reads.
func (m *Manager) CollectDone() {
	for _, s := range m.streams {
		m.maybeCollect(s)
	}
}

// Count returns the number of live streams.
func (m *Manager) Count() int { return len(m.streams) }
