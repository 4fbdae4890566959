package quic

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgefall/quic/commons/logger"
	"github.com/bridgefall/quic/commons/metrics"
	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/internal/bytestream"
	"github.com/bridgefall/quic/packet"
	"github.com/bridgefall/quic/pnspace"
	"github.com/bridgefall/quic/recovery"
	"github.com/bridgefall/quic/stream"
	"github.com/bridgefall/quic/wire"
)

// connState is the connection lifecycle.
type connState uint8

const (
	stateHandshaking connState = iota
	stateEstablished
	stateClosing  // we sent CONNECTION_CLOSE, answering further packets
	stateDraining // peer closed or stateless reset; we stay silent
	stateClosed
)

var stateNames = [...]string{
	stateHandshaking: "handshaking",
	stateEstablished: "established",
	stateClosing:     "closing",
	stateDraining:    "draining",
	stateClosed:      "closed",
}

func (s connState) String() string { return stateNames[s] }

// Undecryptable packets kept per space while keys are pending; oldest
// dropped first.
const maxUndecryptable = 10

// ErrConnectionClosed reports API use after the connection terminated.
var ErrConnectionClosed = errors.New("connection closed")

// spaceKeys is one space's packet protection pair. 1-RTT keys live in
// OneRTTKeys instead, which owns the update ratchet.
type spaceKeys struct {
	seal *handshake.Keys
	open *handshake.Keys
}

// cryptoStream carries CRYPTO frame data for one space, reusing the
// stream layer's buffers.
type cryptoStream struct {
	recv bytestream.ReorderBuffer
	send bytestream.SendBuffer
}

// Stats is a snapshot of connection counters.
type Stats struct {
	DatagramsIn     int64
	DatagramsOut    int64
	PacketsLost     int64
	DecryptFailures int64
}

type connMetrics struct {
	datagramsIn     metrics.Counter
	datagramsOut    metrics.Counter
	packetsLost     metrics.Counter
	decryptFailures metrics.Counter
}

// Connection is one QUIC connection's protocol state. It is not safe for
// concurrent use; callers serialize all methods.
type Connection struct {
	isClient bool
	cfg      Config
	log      *slog.Logger
	adapter  handshake.Adapter

	state connState

	localCIDs *localCIDSet
	peerCIDs  *peerCIDSet

	// Handshake-time identity.
	odcid             []byte // client: the random first DCID; server: the client's
	peerHandshakeSCID []byte
	retryToken        []byte
	retrySCID         []byte
	usedRetry         bool
	gotPacket         bool // any packet successfully processed

	keys    [handshake.SpaceCount]spaceKeys
	oneRTT  *handshake.OneRTTKeys
	crypto  [handshake.SpaceCount]cryptoStream
	recv    [handshake.SpaceCount]*pnspace.Tracker
	loss    *recovery.Manager
	streams *stream.Manager

	undecryptable [handshake.SpaceCount][][]byte

	localParams    wire.TransportParameters
	peerParams     wire.TransportParameters
	havePeerParams bool

	handshakeComplete   bool
	handshakeConfirmed  bool
	handshakeDoneQueued bool

	// Server anti-amplification until the address validates.
	addrValidated bool
	bytesReceived int
	bytesSent     int

	maxDatagramSize int
	idleTimeout     time.Duration
	idleDeadline    time.Time

	// newToken mints a NEW_TOKEN token for this peer, set by the
	// endpoint on server connections.
	newToken func(now time.Time) []byte

	probes [handshake.SpaceCount]int

	pendingFrames []wire.Frame // 1-RTT control frames awaiting a packet

	pathChallengeData [8]byte
	pathChallengeSent bool
	pathValidated     bool

	closeFrame        *wire.ConnectionCloseFrame
	closeDeadline     time.Time
	closeNeedsSend    bool
	packetsSinceClose int

	events  []Event
	lastNow time.Time

	stats      connMetrics
	rttSampler *metrics.LatencySampler
}

// NewClient creates a client connection and queues its first flight. The
// caller drains PollDatagram to start the handshake.
func NewClient(cfg Config, now time.Time) (*Connection, error) {
	cfg = cfg.withDefaults()
	if cfg.NewHandshake == nil {
		return nil, errors.New("quic: Config.NewHandshake is required")
	}
	c := newConnection(cfg, true, now)
	c.odcid = randomCID(8)
	scid := randomCID(localCIDLen)
	c.localCIDs = newLocalCIDSet(scid, nil, nil)
	c.peerCIDs = newPeerCIDSet(c.odcid, 4)

	read, write, err := handshake.InitialKeys(c.odcid, true)
	if err != nil {
		return nil, err
	}
	c.keys[handshake.SpaceInitial] = spaceKeys{seal: write, open: read}

	c.localParams = c.buildLocalParams()
	c.adapter = cfg.NewHandshake(true)
	c.adapter.SetTransportParameters(c.localParams.Marshal())
	c.driveHandshake(now)
	return c, nil
}

// newServerConnection builds the server side of a connection. odcid is
// the client's original Destination Connection ID (echoed in transport
// parameters); keysCID derives the Initial keys, which after a Retry is
// the Retry's Source Connection ID rather than odcid. scid is the ID
// this server answers under.
func newServerConnection(cfg Config, now time.Time, odcid, keysCID, scid, peerSCID []byte, validated, usedRetry bool, issue cidIssuer, retire cidRetirer) (*Connection, error) {
	c := newConnection(cfg, false, now)
	c.odcid = append([]byte(nil), odcid...)
	c.addrValidated = validated
	c.localCIDs = newLocalCIDSet(scid, issue, retire)
	// The client keeps addressing us by its original DCID until our
	// first flight lands; Initials under it must still be accepted.
	c.localCIDs.setInitial(keysCID)
	c.peerCIDs = newPeerCIDSet(peerSCID, 4)
	c.usedRetry = usedRetry

	read, write, err := handshake.InitialKeys(keysCID, false)
	if err != nil {
		return nil, err
	}
	c.keys[handshake.SpaceInitial] = spaceKeys{seal: write, open: read}

	c.localParams = c.buildLocalParams()
	c.adapter = cfg.NewHandshake(false)
	c.adapter.SetTransportParameters(c.localParams.Marshal())
	return c, nil
}

func newConnection(cfg Config, isClient bool, now time.Time) *Connection {
	c := &Connection{
		isClient:        isClient,
		cfg:             cfg,
		log:             logger.Named(cfg.Logger, "conn"),
		loss:            recovery.NewManager(cfg.MaxDatagramSize),
		maxDatagramSize: cfg.MaxDatagramSize,
		idleTimeout:     cfg.MaxIdleTimeout,
		lastNow:         now,
		rttSampler:      metrics.NewLatencySampler(256),
	}
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		c.recv[sp] = pnspace.NewTracker(sp)
	}
	c.streams = stream.NewManager(isClient, cfg.streamLimits(),
		func() time.Time { return c.lastNow },
		func() time.Duration { return c.loss.RTT().Smoothed() })
	c.resetIdle(now)
	return c
}

func (c *Connection) buildLocalParams() wire.TransportParameters {
	p := wire.DefaultTransportParameters()
	p.MaxIdleTimeout = c.cfg.MaxIdleTimeout
	p.MaxUDPPayloadSize = uint64(c.cfg.MaxDatagramSize)
	p.InitialMaxData = c.cfg.ConnWindow
	p.InitialMaxStreamDataBidiL = c.cfg.StreamWindow
	p.InitialMaxStreamDataBidiR = c.cfg.StreamWindow
	p.InitialMaxStreamDataUni = c.cfg.StreamWindow
	p.InitialMaxStreamsBidi = c.cfg.MaxStreamsBidi
	p.InitialMaxStreamsUni = c.cfg.MaxStreamsUni
	p.AckDelayExponent = c.cfg.AckDelayExponent
	p.MaxAckDelay = c.cfg.MaxAckDelay
	p.ActiveConnectionIDLimit = 4
	p.InitialSourceCID = c.localCIDs.handshakeCID()
	p.HasInitialSourceCID = true
	if !c.isClient {
		p.OriginalDestinationCID = c.odcid
		p.HasOriginalDestinationCID = true
		if c.usedRetry {
			p.RetrySourceCID = c.localCIDs.handshakeCID()
			p.HasRetrySourceCID = true
		}
	}
	return p
}

// State reports the connection lifecycle state as a string, for logs.
func (c *Connection) State() string { return c.state.String() }

// IsClient reports the connection's role.
func (c *Connection) IsClient() bool { return c.isClient }

// HandshakeComplete reports whether the TLS handshake finished.
func (c *Connection) HandshakeComplete() bool { return c.handshakeComplete }

// StatsSnapshot returns current counter values.
func (c *Connection) StatsSnapshot() Stats {
	return Stats{
		DatagramsIn:     c.stats.datagramsIn.Load(),
		DatagramsOut:    c.stats.datagramsOut.Load(),
		PacketsLost:     c.stats.packetsLost.Load(),
		DecryptFailures: c.stats.decryptFailures.Load(),
	}
}

// PollEvent returns the next queued event.
func (c *Connection) PollEvent() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}

func (c *Connection) pushEvent(e Event) { c.events = append(c.events, e) }

func (c *Connection) resetIdle(now time.Time) {
	if c.idleTimeout <= 0 {
		c.idleDeadline = time.Time{}
		return
	}
	// Grant at least three PTOs so a single lost flight cannot look like
	// an idle peer.
	d := c.idleTimeout
	if min := 3 * c.loss.BasePTO(); min > d {
		d = min
	}
	c.idleDeadline = now.Add(d)
}

// HandleDatagram feeds one received UDP datagram into the connection.
func (c *Connection) HandleDatagram(now time.Time, datagram []byte) {
	c.lastNow = now
	c.stats.datagramsIn.Add(1)
	switch c.state {
	case stateClosed, stateDraining:
		return
	case stateClosing:
		c.packetsSinceClose++
		if c.packetsSinceClose >= 3 {
			c.closeNeedsSend = true
			c.packetsSinceClose = 0
		}
		return
	}
	c.bytesReceived += len(datagram)

	processedAny := false
	data := datagram
	for len(data) > 0 {
		hdr, pnOffset, pktLen, err := packet.ParseHeader(data, localCIDLen)
		if err != nil {
			break
		}
		if c.processPacket(now, data[:pktLen], hdr, pnOffset) {
			processedAny = true
		}
		if hdr.Type == packet.TypeRetry || hdr.Type == packet.TypeVersionNegotiation {
			break
		}
		data = data[pktLen:]
		if c.state == stateDraining || c.state == stateClosed || c.state == stateClosing {
			return
		}
	}
	if processedAny {
		c.gotPacket = true
		c.resetIdle(now)
		c.driveHandshake(now)
	} else {
		c.checkStatelessReset(now, datagram)
	}
}

// processPacket handles one packet of a datagram. It reports whether the
// packet authenticated and was processed.
func (c *Connection) processPacket(now time.Time, pkt []byte, hdr *packet.Header, pnOffset int) bool {
	switch hdr.Type {
	case packet.TypeVersionNegotiation:
		c.handleVersionNegotiation(pkt, pnOffset)
		return false
	case packet.TypeRetry:
		c.handleRetry(pkt, hdr)
		return false
	}

	space := hdr.Type.Space()
	if hdr.Type == packet.TypeInitial && !bytes.Equal(hdr.DestCID, c.localCIDs.handshakeCID()) && !c.localCIDs.owns(hdr.DestCID) {
		// An Initial for a connection ID we no longer answer under.
		return false
	}

	opener := c.keys[space].open
	if space == handshake.SpaceOneRTT {
		if c.oneRTT == nil {
			c.bufferUndecryptable(space, pkt)
			return false
		}
	} else if opener == nil {
		if c.recv[space].Retired() {
			return false
		}
		c.bufferUndecryptable(space, pkt)
		return false
	}
	if c.recv[space].Retired() {
		return false
	}

	end := len(pkt)
	largest, started := c.recv[space].Largest()
	var hp *handshake.Keys
	if space == handshake.SpaceOneRTT {
		hp = c.oneRTT.HeaderKeys()
	} else {
		hp = opener
	}
	// Unprotect mutates the packet; work on a copy so a failed attempt
	// leaves the datagram intact for the stateless-reset check.
	work := append([]byte(nil), pkt...)
	pn, hdrLen, firstByte, err := packet.Unprotect(work, pnOffset, end, hp, largest, started)
	if err != nil {
		c.stats.decryptFailures.Add(1)
		return false
	}

	var payload []byte
	if space == handshake.SpaceOneRTT {
		phase := firstByte&0x04 != 0
		var updated bool
		payload, updated, err = c.oneRTT.Open(work[hdrLen:end], pn, work[:hdrLen], phase)
		if err != nil {
			var te *wire.TransportError
			if errors.As(err, &te) {
				c.closeWithError(te)
				return false
			}
			c.stats.decryptFailures.Add(1)
			return false
		}
		if updated {
			c.log.Debug("key update applied", "pn", pn)
		}
	} else {
		payload, err = opener.Open(nil, work[hdrLen:end], pn, work[:hdrLen])
		if err != nil {
			c.stats.decryptFailures.Add(1)
			return false
		}
	}
	if err := packet.CheckReservedBits(firstByte); err != nil {
		c.closeWithError(err)
		return false
	}

	frames, err := wire.ParseFrames(payload, spaceHint(space))
	if err != nil {
		c.closeWithError(err)
		return false
	}
	ackEliciting := wire.IsAckElicitingSet(frames)
	if !c.recv[space].Receive(pn, ackEliciting, now, c.cfg.MaxAckDelay) {
		return false // duplicate
	}

	if hdr.Type == packet.TypeInitial && c.isClient && c.peerHandshakeSCID == nil {
		// The server's first Initial fixes its handshake connection ID.
		c.peerHandshakeSCID = append([]byte(nil), hdr.SrcCID...)
		c.peerCIDs.replaceHandshakeCID(hdr.SrcCID)
	}
	if hdr.Type == packet.TypeHandshake {
		if !c.isClient {
			// A Handshake packet proves the peer holds the address.
			c.addrValidated = true
			c.discardSpace(handshake.SpaceInitial)
		}
		if c.peerHandshakeSCID == nil {
			c.peerHandshakeSCID = append([]byte(nil), hdr.SrcCID...)
		}
	}

	for _, f := range frames {
		if err := c.handleFrame(now, space, hdr, f); err != nil {
			c.closeWithError(err)
			return true
		}
		if c.state == stateDraining || c.state == stateClosed {
			return true
		}
	}
	return true
}

func spaceHint(space handshake.Space) wire.PacketSpaceHint {
	switch space {
	case handshake.SpaceInitial:
		return wire.HintInitial
	case handshake.SpaceHandshake:
		return wire.HintHandshake
	case handshake.SpaceZeroRTT:
		return wire.HintZeroRTT
	default:
		return wire.HintOneRTT
	}
}

func (c *Connection) bufferUndecryptable(space handshake.Space, pkt []byte) {
	buf := c.undecryptable[space]
	if len(buf) >= maxUndecryptable {
		buf = buf[1:]
	}
	c.undecryptable[space] = append(buf, append([]byte(nil), pkt...))
}

func (c *Connection) replayUndecryptable(now time.Time, space handshake.Space) {
	pkts := c.undecryptable[space]
	c.undecryptable[space] = nil
	for _, pkt := range pkts {
		hdr, pnOffset, pktLen, err := packet.ParseHeader(pkt, localCIDLen)
		if err != nil || pktLen != len(pkt) {
			continue
		}
		if c.processPacket(now, pkt, hdr, pnOffset) {
			c.gotPacket = true
		}
	}
}

func (c *Connection) handleVersionNegotiation(pkt []byte, bodyOffset int) {
	if !c.isClient || c.gotPacket || c.usedRetry {
		return
	}
	for _, v := range packet.ParseVersionNegotiation(pkt, bodyOffset) {
		if v == packet.Version1 {
			return // lists our version: forged or confused, ignore
		}
	}
	c.state = stateClosed
	c.pushEvent(Event{
		Kind:      EventConnectionClosed,
		ErrorCode: uint64(wire.NoViablePath),
		Reason:    "no compatible version",
	})
}

func (c *Connection) handleRetry(pkt []byte, hdr *packet.Header) {
	if !c.isClient || c.gotPacket || c.usedRetry || len(hdr.Token) == 0 {
		return
	}
	if !packet.VerifyRetry(pkt, c.odcid) {
		c.log.Debug("retry integrity check failed")
		return
	}
	c.usedRetry = true
	c.retryToken = append([]byte(nil), hdr.Token...)
	c.retrySCID = append([]byte(nil), hdr.SrcCID...)
	c.peerCIDs.replaceHandshakeCID(hdr.SrcCID)

	read, write, err := handshake.InitialKeys(hdr.SrcCID, true)
	if err != nil {
		c.closeWithError(err)
		return
	}
	c.keys[handshake.SpaceInitial] = spaceKeys{seal: write, open: read}
	// The whole Initial flight goes again under the new keys.
	cs := &c.crypto[handshake.SpaceInitial]
	if cs.send.Size() > 0 {
		cs.send.MarkLost(0, cs.send.Size())
	}
	c.log.Debug("retry accepted", "scid_len", len(hdr.SrcCID))
}

func (c *Connection) handleFrame(now time.Time, space handshake.Space, hdr *packet.Header, f wire.Frame) error {
	switch fr := f.(type) {
	case *wire.PaddingFrame, *wire.PingFrame:
		return nil
	case *wire.AckFrame:
		return c.handleAck(now, space, fr)
	case *wire.CryptoFrame:
		c.crypto[space].recv.Insert(fr.Offset, fr.Data)
		return nil
	case *wire.ConnectionCloseFrame:
		c.enterDraining(now, Event{
			Kind:          EventConnectionClosed,
			Remote:        true,
			ErrorCode:     fr.ErrorCode,
			IsApplication: fr.IsApplication,
			Reason:        fr.Reason,
		})
		return nil
	case *wire.HandshakeDoneFrame:
		if !c.isClient {
			return wire.NewError(wire.ProtocolViolation, "HANDSHAKE_DONE from client")
		}
		c.confirmHandshake(now)
		return nil
	case *wire.NewTokenFrame:
		if !c.isClient {
			return wire.NewError(wire.ProtocolViolation, "NEW_TOKEN from client")
		}
		if len(fr.Token) == 0 {
			return wire.NewError(wire.FrameEncodingError, "empty NEW_TOKEN")
		}
		c.pushEvent(Event{Kind: EventNewToken, Token: append([]byte(nil), fr.Token...)})
		return nil
	case *wire.PathChallengeFrame:
		c.pendingFrames = append(c.pendingFrames, &wire.PathResponseFrame{Data: fr.Data})
		return nil
	case *wire.PathResponseFrame:
		if c.pathChallengeSent && fr.Data == c.pathChallengeData {
			c.pathChallengeSent = false
			c.pathValidated = true
		}
		return nil
	case *wire.NewConnectionIDFrame:
		return c.peerCIDs.onNewCID(fr)
	case *wire.RetireConnectionIDFrame:
		return c.localCIDs.onRetire(fr, hdr.DestCID)
	default:
		// Stream-layer frames: STREAM, RESET_STREAM, STOP_SENDING,
		// MAX_*, *_BLOCKED. Admission per space was already enforced.
		if err := c.streams.HandleFrame(f); err != nil {
			return err
		}
		c.drainStreamEvents()
		return nil
	}
}

func (c *Connection) drainStreamEvents() {
	ev := c.streams.PollEvents()
	for _, id := range ev.New {
		c.pushEvent(Event{Kind: EventStreamOpened, StreamID: id})
	}
	for _, id := range ev.Readable {
		c.pushEvent(Event{Kind: EventStreamReadable, StreamID: id})
	}
	for _, id := range ev.Reset {
		s := c.streams.Get(id)
		e := Event{Kind: EventStreamReset, StreamID: id}
		if s != nil {
			// Reset code rides in the stream's pending reset signal;
			// the Read path surfaces it too.
			e.ErrorCode = 0
		}
		c.pushEvent(e)
	}
}

func (c *Connection) handleAck(now time.Time, space handshake.Space, f *wire.AckFrame) error {
	exponent := uint8(3)
	if space == handshake.SpaceOneRTT && c.havePeerParams {
		exponent = c.peerParams.AckDelayExponent
	}
	res, err := c.loss.OnAckReceived(space, f, f.Delay(exponent), now)
	if err != nil {
		return err
	}
	for _, p := range res.NewlyAcked {
		c.onPacketAcked(space, p)
	}
	for _, p := range res.Lost {
		c.onPacketLost(space, p)
	}
	if c.loss.RTT().HasSample() {
		c.rttSampler.Add(c.loss.RTT().Latest())
	}
	if c.isClient && space == handshake.SpaceHandshake && !c.recv[handshake.SpaceInitial].Retired() {
		// Progress in the Handshake space makes Initial keys dead weight.
		c.discardSpace(handshake.SpaceInitial)
	}
	return nil
}

func (c *Connection) onPacketAcked(space handshake.Space, p *recovery.SentPacket) {
	for _, f := range p.Frames {
		switch fr := f.(type) {
		case *wire.CryptoFrame:
			c.crypto[space].send.MarkAcked(fr.Offset, uint64(len(fr.Data)))
		case *wire.HandshakeDoneFrame:
			c.handshakeDoneQueued = false
		default:
			c.streams.OnFrameAcked(f)
		}
	}
}

func (c *Connection) onPacketLost(space handshake.Space, p *recovery.SentPacket) {
	c.stats.packetsLost.Add(1)
	for _, f := range p.Frames {
		switch fr := f.(type) {
		case *wire.CryptoFrame:
			c.crypto[space].send.MarkLost(fr.Offset, uint64(len(fr.Data)))
		case *wire.HandshakeDoneFrame:
			c.handshakeDoneQueued = true
		case *wire.NewTokenFrame, *wire.NewConnectionIDFrame,
			*wire.RetireConnectionIDFrame, *wire.PathResponseFrame:
			c.pendingFrames = append(c.pendingFrames, f)
		case *wire.PathChallengeFrame:
			if c.pathChallengeSent {
				c.pendingFrames = append(c.pendingFrames, fr)
			}
		default:
			c.streams.OnFrameLost(f)
		}
	}
}

// driveHandshake moves the TLS engine forward: deliver reassembled
// CRYPTO bytes, install newly derived keys, collect outgoing handshake
// bytes and react to progress.
func (c *Connection) driveHandshake(now time.Time) {
	if c.adapter == nil || c.state == stateClosed || c.state == stateDraining || c.state == stateClosing {
		return
	}
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if data := c.crypto[sp].recv.PopContiguous(); len(data) > 0 {
			if err := c.adapter.ProvideHandshakeBytes(sp, data); err != nil {
				c.closeWithError(wire.NewError(wire.CryptoError, err.Error()))
				return
			}
		}
	}
	c.installKeys(now)
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if b := c.adapter.PendingHandshakeBytes(sp); len(b) > 0 {
			c.crypto[sp].send.Write(b)
		}
	}

	progress := c.adapter.Progress()
	if progress.HavePeerParams && !c.havePeerParams {
		raw, _ := c.adapter.PeerTransportParameters()
		if err := c.applyPeerParams(raw); err != nil {
			c.closeWithError(err)
			return
		}
	}
	if progress.Completed && !c.handshakeComplete {
		c.completeHandshake(now)
	}
}

func (c *Connection) installKeys(now time.Time) {
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		if sp == handshake.SpaceOneRTT {
			if c.oneRTT != nil {
				continue
			}
			s, ok := c.adapter.Secrets(sp)
			if !ok {
				continue
			}
			keys, err := handshake.NewOneRTTKeys(s)
			if err != nil {
				c.closeWithError(err)
				return
			}
			c.oneRTT = keys
			c.replayUndecryptable(now, sp)
			continue
		}
		if c.keys[sp].open != nil {
			continue
		}
		s, ok := c.adapter.Secrets(sp)
		if !ok {
			continue
		}
		open, err := handshake.NewKeys(s.Suite, s.Read)
		if err != nil {
			c.closeWithError(err)
			return
		}
		seal, err := handshake.NewKeys(s.Suite, s.Write)
		if err != nil {
			c.closeWithError(err)
			return
		}
		c.keys[sp] = spaceKeys{seal: seal, open: open}
		c.replayUndecryptable(now, sp)
	}
}

func (c *Connection) applyPeerParams(raw []byte) error {
	p, err := wire.UnmarshalTransportParameters(raw)
	if err != nil {
		return err
	}
	if !p.HasInitialSourceCID {
		return wire.NewError(wire.TransportParameterError, "missing initial_source_connection_id")
	}
	if c.peerHandshakeSCID != nil && !bytes.Equal(p.InitialSourceCID, c.peerHandshakeSCID) {
		return wire.NewError(wire.TransportParameterError, "initial_source_connection_id mismatch")
	}
	if c.isClient {
		if !p.HasOriginalDestinationCID || !bytes.Equal(p.OriginalDestinationCID, c.odcid) {
			return wire.NewError(wire.TransportParameterError, "original_destination_connection_id mismatch")
		}
		if c.usedRetry {
			if !p.HasRetrySourceCID || !bytes.Equal(p.RetrySourceCID, c.retrySCID) {
				return wire.NewError(wire.TransportParameterError, "retry_source_connection_id mismatch")
			}
		} else if p.HasRetrySourceCID {
			return wire.NewError(wire.TransportParameterError, "unexpected retry_source_connection_id")
		}
		c.peerCIDs.setHandshakeToken(p.StatelessResetToken)
	} else {
		if p.HasOriginalDestinationCID || p.HasRetrySourceCID || len(p.StatelessResetToken) != 0 {
			return wire.NewError(wire.TransportParameterError, "server-only parameter from client")
		}
	}

	c.peerParams = p
	c.havePeerParams = true
	c.streams.SetPeerLimits(stream.PeerLimits{
		StreamDataBidiLocal:  p.InitialMaxStreamDataBidiL,
		StreamDataBidiRemote: p.InitialMaxStreamDataBidiR,
		StreamDataUni:        p.InitialMaxStreamDataUni,
		MaxData:              p.InitialMaxData,
		MaxStreamsBidi:       p.InitialMaxStreamsBidi,
		MaxStreamsUni:        p.InitialMaxStreamsUni,
	})
	c.loss.SetMaxAckDelay(p.MaxAckDelay)
	if p.MaxUDPPayloadSize > 0 && int(p.MaxUDPPayloadSize) < c.maxDatagramSize {
		c.maxDatagramSize = int(p.MaxUDPPayloadSize)
	}
	if p.MaxIdleTimeout > 0 && (c.idleTimeout == 0 || p.MaxIdleTimeout < c.idleTimeout) {
		c.idleTimeout = p.MaxIdleTimeout
	}
	c.localCIDs.setLimit(p.ActiveConnectionIDLimit)
	return nil
}

func (c *Connection) completeHandshake(now time.Time) {
	c.handshakeComplete = true
	c.state = stateEstablished
	c.loss.SetHandshakeComplete()
	c.pushEvent(Event{Kind: EventHandshakeComplete})
	c.log.Info("handshake complete", "client", c.isClient)
	if !c.isClient {
		// The server confirms immediately and tells the client.
		c.handshakeDoneQueued = true
		c.confirmHandshake(now)
		if c.newToken != nil {
			if tok := c.newToken(now); tok != nil {
				c.pendingFrames = append(c.pendingFrames, &wire.NewTokenFrame{Token: tok})
			}
		}
	}
}

// confirmHandshake marks the handshake confirmed and retires the
// Handshake space.
func (c *Connection) confirmHandshake(now time.Time) {
	if c.handshakeConfirmed {
		return
	}
	c.handshakeConfirmed = true
	if !c.handshakeComplete {
		// HANDSHAKE_DONE implies the server finished.
		c.handshakeComplete = true
		c.state = stateEstablished
		c.loss.SetHandshakeComplete()
		c.pushEvent(Event{Kind: EventHandshakeComplete})
	}
	c.discardSpace(handshake.SpaceInitial)
	c.discardSpace(handshake.SpaceHandshake)
	_ = now
}

// discardSpace drops a space's keys, receive state and loss bookkeeping.
func (c *Connection) discardSpace(space handshake.Space) {
	if c.recv[space].Retired() {
		return
	}
	c.keys[space] = spaceKeys{}
	c.recv[space].Retire()
	c.loss.DiscardSpace(space)
	c.undecryptable[space] = nil
	c.probes[space] = 0
	c.log.Debug("space discarded", "space", int(space))
}

func (c *Connection) checkStatelessReset(now time.Time, datagram []byte) {
	token, ok := packet.StatelessResetToken(datagram)
	if !ok || !c.peerCIDs.knowsResetToken(token) {
		return
	}
	c.enterDraining(now, Event{
		Kind:   EventConnectionClosed,
		Remote: true,
		Reason: "stateless reset",
	})
}

func (c *Connection) enterDraining(now time.Time, e Event) {
	if c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.state = stateDraining
	c.closeDeadline = now.Add(3 * c.loss.BasePTO())
	c.pushEvent(e)
	c.log.Info("connection draining", "remote", e.Remote, "reason", e.Reason)
}

// Close terminates the connection with an application error code.
func (c *Connection) Close(code uint64, reason string) {
	c.startClosing(c.lastNow, &wire.ConnectionCloseFrame{
		IsApplication: true,
		ErrorCode:     code,
		Reason:        reason,
	}, Event{
		Kind:          EventConnectionClosed,
		ErrorCode:     code,
		IsApplication: true,
		Reason:        reason,
	})
}

// closeWithError closes for a transport-level error.
func (c *Connection) closeWithError(err error) {
	var te *wire.TransportError
	frame := &wire.ConnectionCloseFrame{ErrorCode: uint64(wire.InternalError), Reason: err.Error()}
	if errors.As(err, &te) {
		frame.ErrorCode = uint64(te.Code)
		frame.FrameType = te.FrameType
		frame.Reason = te.Reason
	}
	c.log.Warn("closing on error", "err", err)
	c.startClosing(c.lastNow, frame, Event{
		Kind:      EventConnectionClosed,
		ErrorCode: frame.ErrorCode,
		Reason:    frame.Reason,
	})
}

func (c *Connection) startClosing(now time.Time, frame *wire.ConnectionCloseFrame, e Event) {
	switch c.state {
	case stateClosing, stateDraining, stateClosed:
		return
	}
	c.state = stateClosing
	c.closeFrame = frame
	c.closeDeadline = now.Add(3 * c.loss.BasePTO())
	c.closeNeedsSend = true
	c.pushEvent(e)
}

// NextTimeout returns the earliest deadline requiring an OnTimeout call,
// or the zero time when no timer is armed.
func (c *Connection) NextTimeout() time.Time {
	switch c.state {
	case stateClosed:
		return time.Time{}
	case stateClosing, stateDraining:
		return c.closeDeadline
	}
	var t time.Time
	merge := func(d time.Time) {
		if d.IsZero() {
			return
		}
		if t.IsZero() || d.Before(t) {
			t = d
		}
	}
	merge(c.loss.LossDetectionTimeout())
	for sp := handshake.SpaceInitial; sp < handshake.SpaceCount; sp++ {
		merge(c.recv[sp].AckDeadline())
	}
	merge(c.idleDeadline)
	return t
}

// OnTimeout reacts to an expired (possibly late or spurious) timer by
// re-deriving which deadlines actually elapsed.
func (c *Connection) OnTimeout(now time.Time) {
	c.lastNow = now
	switch c.state {
	case stateClosed:
		return
	case stateClosing, stateDraining:
		if !c.closeDeadline.After(now) {
			c.state = stateClosed
		}
		return
	}
	if !c.idleDeadline.IsZero() && !c.idleDeadline.After(now) {
		// Idle expiry is silent: no close frame, straight to Closed.
		c.state = stateClosed
		c.pushEvent(Event{Kind: EventConnectionClosed, Reason: "idle timeout"})
		c.log.Info("idle timeout")
		return
	}
	res := c.loss.OnLossDetectionTimeout(now)
	for _, p := range res.Lost {
		c.onPacketLost(res.LostSpace, p)
	}
	if res.SendProbes > 0 {
		c.probes[res.ProbeSpace] += res.SendProbes
	}
}

func (c *Connection) checkOpen() error {
	switch c.state {
	case stateClosing, stateDraining, stateClosed:
		return ErrConnectionClosed
	}
	return nil
}

// OpenStream opens a locally-initiated stream and returns its ID.
func (c *Connection) OpenStream(bidi bool) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	s, err := c.streams.Open(bidi)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

// StreamWrite buffers p on a stream, returning how much was accepted.
func (c *Connection) StreamWrite(id uint64, p []byte) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	s := c.streams.Get(id)
	if s == nil {
		return 0, stream.ErrClosed
	}
	return s.Write(p)
}

// StreamRead delivers readable stream bytes.
func (c *Connection) StreamRead(id uint64, p []byte) (int, error) {
	s := c.streams.Get(id)
	if s == nil {
		return 0, stream.ErrClosed
	}
	n, err := s.Read(p)
	c.streams.CollectDone()
	return n, err
}

// StreamClose ends a stream's send side cleanly (FIN).
func (c *Connection) StreamClose(id uint64) error {
	s := c.streams.Get(id)
	if s == nil {
		return stream.ErrClosed
	}
	return s.Close()
}

// StreamReset abruptly terminates a stream's send side.
func (c *Connection) StreamReset(id uint64, code uint64) error {
	s := c.streams.Get(id)
	if s == nil {
		return stream.ErrClosed
	}
	s.Reset(code)
	return nil
}

// StreamStopSending asks the peer to stop sending on a stream.
func (c *Connection) StreamStopSending(id uint64, code uint64) error {
	s := c.streams.Get(id)
	if s == nil {
		return stream.ErrClosed
	}
	s.StopSending(code)
	return nil
}

// RotateKeys initiates a 1-RTT key update. Only valid once the handshake
// is confirmed.
func (c *Connection) RotateKeys() error {
	if !c.handshakeConfirmed || c.oneRTT == nil {
		return fmt.Errorf("key update before handshake confirmation")
	}
	return c.oneRTT.InitiateUpdate()
}

// ValidatePath sends a PATH_CHALLENGE probing the current path.
func (c *Connection) ValidatePath() {
	if c.state != stateEstablished {
		return
	}
	copy(c.pathChallengeData[:], randomCID(8))
	c.pathChallengeSent = true
	c.pathValidated = false
	c.pendingFrames = append(c.pendingFrames, &wire.PathChallengeFrame{Data: c.pathChallengeData})
}
