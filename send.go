package quic

import (
	"time"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/packet"
	"github.com/bridgefall/quic/recovery"
	"github.com/bridgefall/quic/wire"
)

// Sealed payloads below this length leave no header-protection sample;
// PADDING makes up the difference.
const minPayloadLen = 4

const aeadOverhead = 16

// packetPlan is one packet's frame selection before sealing.
type packetPlan struct {
	space        handshake.Space
	ptype        packet.Type
	frames       []wire.Frame
	tracked      []wire.Frame // retransmittable subset kept for loss handling
	payloadLen   int
	hasPadding   bool
	ackEliciting bool
	includesAck  bool
	probe        bool
}

func (p *packetPlan) add(f wire.Frame, track bool) {
	p.frames = append(p.frames, f)
	p.payloadLen += f.EncodedLen()
	if _, ok := f.(*wire.PaddingFrame); ok {
		p.hasPadding = true
	}
	if track {
		p.tracked = append(p.tracked, f)
		if wire.IsAckEliciting(f) {
			p.ackEliciting = true
		}
	}
}

var spaceTypes = map[handshake.Space]packet.Type{
	handshake.SpaceInitial:   packet.TypeInitial,
	handshake.SpaceHandshake: packet.TypeHandshake,
	handshake.SpaceZeroRTT:   packet.TypeZeroRTT,
	handshake.SpaceOneRTT:    packet.TypeOneRTT,
}

// PollDatagram assembles the next outgoing UDP datagram, or returns nil
// when nothing needs to be sent. Callers loop until nil.
func (c *Connection) PollDatagram(now time.Time) []byte {
	c.lastNow = now
	switch c.state {
	case stateClosed, stateDraining:
		return nil
	case stateClosing:
		return c.pollClosePacket(now)
	}

	maxSize := c.maxDatagramSize
	if !c.isClient && !c.addrValidated {
		// Anti-amplification: at most 3x the bytes the unvalidated peer
		// sent us.
		budget := 3*c.bytesReceived - c.bytesSent
		if budget < maxSize {
			maxSize = budget
		}
	}
	if maxSize < 64 {
		return nil
	}

	allowData := c.loss.AvailableCongestionWindow() > 0

	var plans []*packetPlan
	remaining := maxSize
	order := []handshake.Space{handshake.SpaceInitial, handshake.SpaceHandshake, handshake.SpaceOneRTT}
	for _, sp := range order {
		plan := c.planPacket(now, sp, remaining, allowData)
		if plan == nil {
			continue
		}
		plans = append(plans, plan)
		remaining -= c.estimateSize(plan)
	}
	if len(plans) == 0 {
		return nil
	}

	// Datagrams carrying an ack-eliciting Initial are padded to the
	// minimum size; clients pad every Initial datagram.
	needPad := false
	for _, p := range plans {
		if p.ptype == packet.TypeInitial && (c.isClient || p.ackEliciting) {
			needPad = true
		}
	}
	if needPad {
		total := 0
		for _, p := range plans {
			total += c.estimateSize(p)
		}
		target := packet.MinInitialSize
		if target > maxSize {
			target = maxSize
		}
		if pad := target - total; pad > 0 {
			last := plans[len(plans)-1]
			last.add(&wire.PaddingFrame{Length: pad}, false)
		}
	}

	var datagram []byte
	sentAckEliciting := false
	sentHandshake := false
	for _, plan := range plans {
		raw := c.sealPlan(now, plan)
		if raw == nil {
			continue
		}
		datagram = append(datagram, raw...)
		if plan.ackEliciting {
			sentAckEliciting = true
		}
		if plan.space == handshake.SpaceHandshake {
			sentHandshake = true
		}
	}
	if len(datagram) == 0 {
		return nil
	}
	c.bytesSent += len(datagram)
	c.stats.datagramsOut.Add(1)
	if sentAckEliciting {
		c.resetIdle(now)
	}
	if c.isClient && sentHandshake && !c.recv[handshake.SpaceInitial].Retired() {
		// Sending under Handshake keys ends the client's Initial phase.
		c.discardSpace(handshake.SpaceInitial)
	}
	return datagram
}

func (c *Connection) spaceSendable(space handshake.Space) bool {
	if c.recv[space].Retired() {
		return false
	}
	if space == handshake.SpaceOneRTT {
		return c.oneRTT != nil
	}
	return c.keys[space].seal != nil
}

// headerOverhead is the encoded header size including packet number and
// the long-header Length field, so estimateSize matches Seal's output.
func (c *Connection) headerOverhead(space handshake.Space) int {
	pn := c.loss.PeekPacketNumber(space)
	largest, acked := c.loss.LargestAcked(space)
	pnLen := packet.PacketNumberLen(pn, largest, acked)
	dcid := c.peerCIDs.activeCID()
	if space == handshake.SpaceOneRTT {
		return 1 + len(dcid) + pnLen
	}
	n := 1 + 4 + 1 + len(dcid) + 1 + len(c.localCIDs.handshakeCID())
	if space == handshake.SpaceInitial {
		token := c.retryToken
		if !c.isClient {
			token = nil
		}
		n += wire.VarintLen(uint64(len(token))) + len(token)
	}
	return n + 2 + pnLen // 2-byte Length varint
}

func (c *Connection) estimateSize(p *packetPlan) int {
	return c.headerOverhead(p.space) + p.payloadLen + aeadOverhead
}

// planPacket selects frames for one space, or returns nil when the space
// has nothing to say (or cannot speak under the given budget).
func (c *Connection) planPacket(now time.Time, space handshake.Space, budget int, allowData bool) *packetPlan {
	if !c.spaceSendable(space) {
		return nil
	}
	overhead := c.headerOverhead(space) + aeadOverhead
	frameBudget := budget - overhead
	if frameBudget < minPayloadLen {
		return nil
	}

	plan := &packetPlan{space: space, ptype: spaceTypes[space]}
	probe := c.probes[space] > 0

	if allowData || probe {
		c.planCryptoFrames(plan, &frameBudget)
		if space == handshake.SpaceOneRTT {
			c.planOneRTTFrames(plan, &frameBudget)
		}
	}
	if probe && !plan.ackEliciting {
		// A probe must elicit an acknowledgment: retransmit what is
		// still outstanding, or fall back to a PING.
		for _, f := range c.loss.RetransmittableFrames(space) {
			if f.EncodedLen() > frameBudget {
				continue
			}
			plan.add(f, true)
			frameBudget -= f.EncodedLen()
			if frameBudget < 2 {
				break
			}
		}
		if !plan.ackEliciting && frameBudget >= 1 {
			plan.add(&wire.PingFrame{}, true)
			frameBudget--
		}
	}

	tracker := c.recv[space]
	ackDue := tracker.AckRequired(now)
	if len(plan.frames) == 0 && !ackDue {
		return nil
	}
	if tracker.HasReceived() {
		if ack := tracker.BuildAck(now, c.cfg.AckDelayExponent); ack != nil && ack.EncodedLen() <= frameBudget {
			// ACK leads the payload so the peer processes it even when a
			// later frame errors.
			plan.frames = append([]wire.Frame{ack}, plan.frames...)
			plan.payloadLen += ack.EncodedLen()
			frameBudget -= ack.EncodedLen()
			plan.includesAck = true
		}
	}
	if len(plan.frames) == 0 {
		return nil
	}
	if plan.payloadLen < minPayloadLen {
		plan.add(&wire.PaddingFrame{Length: minPayloadLen - plan.payloadLen}, false)
	}
	if probe && plan.ackEliciting {
		plan.probe = true
	}
	return plan
}

func (c *Connection) planCryptoFrames(plan *packetPlan, frameBudget *int) {
	cs := &c.crypto[plan.space]
	for cs.send.HasPending() {
		// Reserve worst-case CRYPTO framing: type, offset, length.
		reserve := 1 + 8 + 4
		if *frameBudget <= reserve {
			return
		}
		off, data := cs.send.NextChunk(uint64(*frameBudget-reserve), ^uint64(0))
		if len(data) == 0 {
			return
		}
		f := &wire.CryptoFrame{Offset: off, Data: data}
		cs.send.MarkSent(off, uint64(len(data)))
		plan.add(f, true)
		*frameBudget -= f.EncodedLen()
	}
}

func (c *Connection) planOneRTTFrames(plan *packetPlan, frameBudget *int) {
	if c.handshakeDoneQueued && *frameBudget >= 1 {
		plan.add(&wire.HandshakeDoneFrame{}, true)
		*frameBudget--
		c.handshakeDoneQueued = false
	}

	// Connection-ID maintenance.
	c.localCIDs.topUp()
	kept := c.localCIDs.pending[:0]
	for _, f := range c.localCIDs.pending {
		if f.EncodedLen() > *frameBudget {
			kept = append(kept, f)
			continue
		}
		plan.add(f, true)
		*frameBudget -= f.EncodedLen()
	}
	c.localCIDs.pending = kept
	for _, f := range c.peerCIDs.drainRetirements() {
		if f.EncodedLen() > *frameBudget {
			c.pendingFrames = append(c.pendingFrames, f)
			continue
		}
		plan.add(f, true)
		*frameBudget -= f.EncodedLen()
	}

	// One-shot control frames (path responses, reissued tokens, ...).
	keptPending := c.pendingFrames[:0]
	for _, f := range c.pendingFrames {
		if f.EncodedLen() > *frameBudget {
			keptPending = append(keptPending, f)
			continue
		}
		plan.add(f, true)
		*frameBudget -= f.EncodedLen()
	}
	c.pendingFrames = keptPending

	if c.handshakeComplete && *frameBudget > 0 {
		for _, f := range c.streams.AppendFrames(*frameBudget) {
			plan.add(f, true)
			*frameBudget -= f.EncodedLen()
		}
	}
}

// sealPlan turns a plan into protected bytes and records the sent packet.
func (c *Connection) sealPlan(now time.Time, plan *packetPlan) []byte {
	pn := c.loss.NextPacketNumber(plan.space)
	largest, acked := c.loss.LargestAcked(plan.space)

	hdr := &packet.Header{
		Type:         plan.ptype,
		Version:      packet.Version1,
		DestCID:      c.peerCIDs.activeCID(),
		SrcCID:       c.localCIDs.handshakeCID(),
		PacketNumber: pn,
	}
	if plan.ptype == packet.TypeInitial && c.isClient {
		hdr.Token = c.retryToken
	}

	var keys *handshake.Keys
	if plan.space == handshake.SpaceOneRTT {
		keys = c.oneRTT.SealKeys()
		hdr.KeyPhase = c.oneRTT.Phase()
	} else {
		keys = c.keys[plan.space].seal
	}

	payload := make([]byte, 0, plan.payloadLen)
	for _, f := range plan.frames {
		payload = f.Append(payload)
	}

	raw, err := packet.Seal(hdr, payload, largest, acked, keys)
	if err != nil {
		c.log.Warn("packet seal failed", "space", int(plan.space), "err", err)
		return nil
	}

	c.loss.OnPacketSent(plan.space, &recovery.SentPacket{
		Number:       pn,
		Time:         now,
		Size:         len(raw),
		AckEliciting: plan.ackEliciting,
		InFlight:     plan.ackEliciting || plan.hasPadding,
		Frames:       plan.tracked,
	})
	if plan.includesAck {
		c.recv[plan.space].OnAckSent()
	}
	if plan.probe && c.probes[plan.space] > 0 {
		c.probes[plan.space]--
	}
	return raw
}

// pollClosePacket emits the CONNECTION_CLOSE packet while closing, rate
// limited to one per burst of peer packets.
func (c *Connection) pollClosePacket(now time.Time) []byte {
	if !c.closeNeedsSend || c.closeFrame == nil {
		return nil
	}
	c.closeNeedsSend = false

	space := handshake.SpaceInitial
	if c.oneRTT != nil {
		space = handshake.SpaceOneRTT
	} else if c.keys[handshake.SpaceHandshake].seal != nil {
		space = handshake.SpaceHandshake
	} else if c.keys[handshake.SpaceInitial].seal == nil {
		return nil
	}

	frame := c.closeFrame
	if space != handshake.SpaceOneRTT && frame.IsApplication {
		// Application codes must not leak before the handshake; send a
		// generic transport close instead.
		frame = &wire.ConnectionCloseFrame{ErrorCode: uint64(wire.ApplicationError)}
	}

	plan := &packetPlan{space: space, ptype: spaceTypes[space]}
	plan.add(frame, false)
	if plan.payloadLen < minPayloadLen {
		plan.add(&wire.PaddingFrame{Length: minPayloadLen - plan.payloadLen}, false)
	}
	raw := c.sealPlan(now, plan)
	if raw != nil {
		c.stats.datagramsOut.Add(1)
		c.bytesSent += len(raw)
	}
	return raw
}
