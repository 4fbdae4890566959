package packet

import (
	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/wire"
)

// sampleLen is the ciphertext sample consumed by header protection.
const sampleLen = 16

// Seal assembles a fully protected packet: header encoding, payload
// encryption and header protection. largestAcked (with acked=false when
// nothing has been acknowledged yet) drives packet-number truncation.
func Seal(h *Header, payload []byte, largestAcked uint64, acked bool, keys *handshake.Keys) ([]byte, error) {
	pnLen := PacketNumberLen(h.PacketNumber, largestAcked, acked)
	var b []byte
	var pnOffset int

	switch h.Type {
	case TypeOneRTT:
		first := headerFixedBit | byte(pnLen-1)
		if h.KeyPhase {
			first |= keyPhaseBit
		}
		b = append(b, first)
		b = append(b, h.DestCID...)
		pnOffset = len(b)
	case TypeInitial, TypeHandshake, TypeZeroRTT:
		b = append(b, longHeaderFirstByte(h.Type, pnLen))
		b = append(b, byte(h.Version>>24), byte(h.Version>>16), byte(h.Version>>8), byte(h.Version))
		b = append(b, byte(len(h.DestCID)))
		b = append(b, h.DestCID...)
		b = append(b, byte(len(h.SrcCID)))
		b = append(b, h.SrcCID...)
		if h.Type == TypeInitial {
			b = wire.AppendVarint(b, uint64(len(h.Token)))
			b = append(b, h.Token...)
		}
		b = wire.AppendVarint(b, uint64(pnLen+len(payload)+keys.Overhead()))
		pnOffset = len(b)
	default:
		return nil, ErrUnknownType
	}

	b = appendPacketNumber(b, h.PacketNumber, pnLen)
	b = keys.Seal(b, payload, h.PacketNumber, b)

	// The sealed payload must be long enough to sample; PADDING frames
	// guarantee this for minimal packets.
	if len(b)-(pnOffset+4) < sampleLen {
		return nil, ErrInvalidPacket
	}
	mask, err := keys.HeaderMask(b[pnOffset+4 : pnOffset+4+sampleLen])
	if err != nil {
		return nil, err
	}
	if IsLong(b[0]) {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return b, nil
}

// Unprotect removes header protection from pkt in place and decodes the
// full packet number. largestReceived is the highest packet number already
// received in the space (started=false when none). It returns the header
// byte count including the packet number, so pkt[:hdrLen] is the AEAD
// additional data and pkt[hdrLen:end] the ciphertext.
func Unprotect(pkt []byte, pnOffset, end int, keys *handshake.Keys, largestReceived uint64, started bool) (pn uint64, hdrLen int, firstByte byte, err error) {
	if end-pnOffset < 4+sampleLen {
		return 0, 0, 0, ErrInvalidPacket
	}
	mask, err := keys.HeaderMask(pkt[pnOffset+4 : pnOffset+4+sampleLen])
	if err != nil {
		return 0, 0, 0, err
	}
	if IsLong(pkt[0]) {
		pkt[0] ^= mask[0] & 0x0f
	} else {
		pkt[0] ^= mask[0] & 0x1f
	}
	pnLen := int(pkt[0]&0x03) + 1
	var truncated uint64
	for i := 0; i < pnLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
		truncated = truncated<<8 | uint64(pkt[pnOffset+i])
	}
	var expected uint64
	if started {
		expected = largestReceived + 1
	}
	pn = DecodePacketNumber(truncated, pnLen, expected)
	return pn, pnOffset + pnLen, pkt[0], nil
}

// CheckReservedBits validates the reserved header bits, which must be zero
// once header protection is removed. Called only after the packet
// authenticated, so a violation is a peer protocol error.
func CheckReservedBits(firstByte byte) error {
	if IsLong(firstByte) {
		if firstByte&0x0c != 0 {
			return wire.NewError(wire.ProtocolViolation, "reserved bits not zero")
		}
		return nil
	}
	if firstByte&0x18 != 0 {
		return wire.NewError(wire.ProtocolViolation, "reserved bits not zero")
	}
	return nil
}
