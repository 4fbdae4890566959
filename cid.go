package quic

import (
	"bytes"
	"crypto/rand"

	"github.com/bridgefall/quic/wire"
)

// cidIssuer generates a fresh local connection ID and its stateless reset
// token, registering it for routing. Endpoints supply this; standalone
// connections fall back to random IDs.
type cidIssuer func() (cid []byte, resetToken [16]byte)

// cidRetirer unregisters a local connection ID the peer retired.
type cidRetirer func(cid []byte)

func randomCID(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

type localCID struct {
	seq        uint64
	cid        []byte
	resetToken [16]byte
}

// localCIDSet tracks connection IDs we issued to the peer and keeps the
// peer's active_connection_id_limit worth of them alive.
type localCIDSet struct {
	cids    []localCID
	nextSeq uint64
	limit   uint64 // peer's active_connection_id_limit
	issue   cidIssuer
	retire  cidRetirer

	// initial is the client-chosen Destination Connection ID a server
	// also answers under until the client switches to an issued ID. It
	// is an alias outside the sequence space, never offered in
	// NEW_CONNECTION_ID and not retirable.
	initial []byte

	pending []*wire.NewConnectionIDFrame
}

func newLocalCIDSet(first []byte, issue cidIssuer, retire cidRetirer) *localCIDSet {
	s := &localCIDSet{limit: 2, issue: issue, retire: retire}
	s.cids = append(s.cids, localCID{seq: 0, cid: first})
	s.nextSeq = 1
	return s
}

// handshakeCID returns the sequence-zero ID used during the handshake.
func (s *localCIDSet) handshakeCID() []byte { return s.cids[0].cid }

// setInitial registers an extra ID this endpoint answers under, for the
// client's original Destination Connection ID on servers.
func (s *localCIDSet) setInitial(cid []byte) {
	s.initial = append([]byte(nil), cid...)
}

func (s *localCIDSet) owns(cid []byte) bool {
	if s.initial != nil && bytes.Equal(s.initial, cid) {
		return true
	}
	for _, c := range s.cids {
		if bytes.Equal(c.cid, cid) {
			return true
		}
	}
	return false
}

// setLimit installs the peer's limit and tops up issued IDs.
func (s *localCIDSet) setLimit(limit uint64) {
	if limit > s.limit {
		s.limit = limit
	}
	s.topUp()
}

func (s *localCIDSet) topUp() {
	if s.issue == nil {
		return
	}
	// Issue at most 4 beyond the handshake ID regardless of limit.
	target := s.limit
	if target > 4 {
		target = 4
	}
	for uint64(len(s.cids)) < target {
		cid, token := s.issue()
		c := localCID{seq: s.nextSeq, cid: cid, resetToken: token}
		s.nextSeq++
		s.cids = append(s.cids, c)
		f := &wire.NewConnectionIDFrame{
			SequenceNumber:      c.seq,
			ConnectionID:        c.cid,
			StatelessResetToken: c.resetToken,
		}
		s.pending = append(s.pending, f)
	}
}

// onRetire handles RETIRE_CONNECTION_ID from the peer and issues a
// replacement ID.
func (s *localCIDSet) onRetire(f *wire.RetireConnectionIDFrame, currentDCID []byte) error {
	if f.SequenceNumber >= s.nextSeq {
		return wire.NewError(wire.ProtocolViolation, "retire of never-issued connection id")
	}
	for i, c := range s.cids {
		if c.seq != f.SequenceNumber {
			continue
		}
		if bytes.Equal(c.cid, currentDCID) {
			return wire.NewError(wire.ProtocolViolation, "retire names the packet's own connection id")
		}
		if s.retire != nil {
			s.retire(c.cid)
		}
		s.cids = append(s.cids[:i], s.cids[i+1:]...)
		break
	}
	s.topUp()
	return nil
}

type peerCID struct {
	seq        uint64
	cid        []byte
	resetToken [16]byte
	hasToken   bool
}

// peerCIDSet tracks connection IDs the peer issued to us, the one in
// active use, and retirements we owe.
type peerCIDSet struct {
	cids        []peerCID
	active      int // index into cids
	retirePrior uint64
	limit       uint64 // our active_connection_id_limit

	pendingRetire []uint64
}

func newPeerCIDSet(handshakeCID []byte, limit uint64) *peerCIDSet {
	return &peerCIDSet{
		cids:  []peerCID{{seq: 0, cid: append([]byte(nil), handshakeCID...)}},
		limit: limit,
	}
}

// activeCID returns the Destination Connection ID for outgoing packets.
func (s *peerCIDSet) activeCID() []byte { return s.cids[s.active].cid }

// replaceHandshakeCID swaps the sequence-zero ID, as a Retry packet's
// Source Connection ID does.
func (s *peerCIDSet) replaceHandshakeCID(cid []byte) {
	for i := range s.cids {
		if s.cids[i].seq == 0 {
			s.cids[i].cid = append([]byte(nil), cid...)
		}
	}
}

// setHandshakeToken installs the stateless reset token the peer's
// transport parameters carry for the handshake connection ID.
func (s *peerCIDSet) setHandshakeToken(token []byte) {
	if len(token) != 16 {
		return
	}
	for i := range s.cids {
		if s.cids[i].seq == 0 {
			copy(s.cids[i].resetToken[:], token)
			s.cids[i].hasToken = true
		}
	}
}

// knowsResetToken reports whether token matches any peer-issued one.
func (s *peerCIDSet) knowsResetToken(token [16]byte) bool {
	for _, c := range s.cids {
		if c.hasToken && c.resetToken == token {
			return true
		}
	}
	return false
}

// onNewCID handles NEW_CONNECTION_ID. Duplicate retransmissions with
// identical content are tolerated; conflicts and limit breaches are
// connection errors.
func (s *peerCIDSet) onNewCID(f *wire.NewConnectionIDFrame) error {
	if len(f.ConnectionID) == 0 || len(f.ConnectionID) > 20 {
		return wire.NewError(wire.FrameEncodingError, "bad connection id length")
	}
	if f.RetirePriorTo > f.SequenceNumber {
		return wire.NewError(wire.FrameEncodingError, "retire_prior_to exceeds sequence number")
	}
	for _, c := range s.cids {
		if c.seq == f.SequenceNumber {
			if !bytes.Equal(c.cid, f.ConnectionID) {
				return wire.NewError(wire.ProtocolViolation, "sequence number reused for different connection id")
			}
			return nil
		}
	}
	if f.SequenceNumber < s.retirePrior {
		// Already retired before it arrived.
		s.pendingRetire = append(s.pendingRetire, f.SequenceNumber)
		return nil
	}
	s.cids = append(s.cids, peerCID{
		seq:        f.SequenceNumber,
		cid:        append([]byte(nil), f.ConnectionID...),
		resetToken: f.StatelessResetToken,
		hasToken:   true,
	})
	if f.RetirePriorTo > s.retirePrior {
		s.retirePrior = f.RetirePriorTo
		kept := s.cids[:0]
		for _, c := range s.cids {
			if c.seq < s.retirePrior {
				s.pendingRetire = append(s.pendingRetire, c.seq)
				continue
			}
			kept = append(kept, c)
		}
		s.cids = kept
		s.active = 0
		for i := range s.cids {
			if s.cids[i].seq < s.cids[s.active].seq {
				s.active = i
			}
		}
	}
	if uint64(len(s.cids)) > s.limit {
		return wire.NewError(wire.ConnectionIDLimitError, "peer exceeded active_connection_id_limit")
	}
	return nil
}

// drainRetirements returns RETIRE_CONNECTION_ID frames owed to the peer.
func (s *peerCIDSet) drainRetirements() []wire.Frame {
	if len(s.pendingRetire) == 0 {
		return nil
	}
	frames := make([]wire.Frame, 0, len(s.pendingRetire))
	for _, seq := range s.pendingRetire {
		frames = append(frames, &wire.RetireConnectionIDFrame{SequenceNumber: seq})
	}
	s.pendingRetire = nil
	return frames
}
