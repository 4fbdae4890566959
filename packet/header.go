// Package packet implements the QUIC packet codec: long and short header
// forms, packet-number truncation, header protection and payload
// encryption, and coalesced-datagram handling.
package packet

import (
	"errors"
	"fmt"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/wire"
)

// Type is the QUIC packet type.
type Type uint8

const (
	TypeInitial Type = iota
	TypeZeroRTT
	TypeHandshake
	TypeRetry
	TypeVersionNegotiation
	TypeOneRTT
)

var typeNames = [...]string{
	TypeInitial:            "initial",
	TypeZeroRTT:            "0rtt",
	TypeHandshake:          "handshake",
	TypeRetry:              "retry",
	TypeVersionNegotiation: "version_negotiation",
	TypeOneRTT:             "1rtt",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Space returns the packet-number space the type belongs to.
func (t Type) Space() handshake.Space {
	switch t {
	case TypeInitial:
		return handshake.SpaceInitial
	case TypeHandshake:
		return handshake.SpaceHandshake
	case TypeZeroRTT:
		return handshake.SpaceZeroRTT
	default:
		return handshake.SpaceOneRTT
	}
}

const (
	// Version1 is QUIC version 1 (RFC 9000).
	Version1 = uint32(1)

	// MaxCIDLen bounds connection ID length on the wire.
	MaxCIDLen = 20

	// MinInitialSize is the minimum UDP payload for client Initials.
	MinInitialSize = 1200

	headerFormLong = 0x80
	headerFixedBit = 0x40
	keyPhaseBit    = 0x04

	maxPacketNumberLen = 4
)

var (
	ErrInvalidPacket = errors.New("invalid packet")
	ErrUnknownType   = errors.New("unknown packet type")
)

// Header is a decoded packet header. For protected packets the
// PacketNumber field is populated only after Unprotect.
type Header struct {
	Type    Type
	Version uint32
	DestCID []byte
	SrcCID  []byte
	Token   []byte // Initial only

	PacketNumber    uint64
	PacketNumberLen int
	KeyPhase        bool // 1-RTT only
}

// IsLong reports whether the first byte of a packet has the long form.
func IsLong(firstByte byte) bool { return firstByte&headerFormLong != 0 }

func typeFromLongHeader(firstByte byte) Type {
	switch (firstByte >> 4) & 0x3 {
	case 0:
		return TypeInitial
	case 1:
		return TypeZeroRTT
	case 2:
		return TypeHandshake
	default:
		return TypeRetry
	}
}

func longHeaderFirstByte(t Type, pnLen int) byte {
	b := headerFormLong | headerFixedBit | byte(pnLen-1)
	switch t {
	case TypeInitial:
	case TypeZeroRTT:
		b |= 0x10
	case TypeHandshake:
		b |= 0x20
	case TypeRetry:
		b |= 0x30
	}
	return b
}

// ParseHeader decodes the unprotected portion of the first packet in b.
// It returns the header, the offset of the protected packet number field,
// and the total length of this packet within b (for long headers the
// Length field bounds it; a short-header packet consumes the rest).
// shortCIDLen is the length of connection IDs this endpoint issues, needed
// to delimit short headers.
func ParseHeader(b []byte, shortCIDLen int) (*Header, int, int, error) {
	if len(b) < 1 {
		return nil, 0, 0, ErrInvalidPacket
	}
	first := b[0]
	if !IsLong(first) {
		if len(b) < 1+shortCIDLen {
			return nil, 0, 0, ErrInvalidPacket
		}
		h := &Header{
			Type:    TypeOneRTT,
			DestCID: b[1 : 1+shortCIDLen],
		}
		return h, 1 + shortCIDLen, len(b), nil
	}

	if len(b) < 7 {
		return nil, 0, 0, ErrInvalidPacket
	}
	version := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	off := 5
	dcidLen := int(b[off])
	off++
	if dcidLen > MaxCIDLen || len(b) < off+dcidLen+1 {
		return nil, 0, 0, ErrInvalidPacket
	}
	dcid := b[off : off+dcidLen]
	off += dcidLen
	scidLen := int(b[off])
	off++
	if scidLen > MaxCIDLen || len(b) < off+scidLen {
		return nil, 0, 0, ErrInvalidPacket
	}
	scid := b[off : off+scidLen]
	off += scidLen

	h := &Header{Version: version, DestCID: dcid, SrcCID: scid}
	if version == 0 {
		h.Type = TypeVersionNegotiation
		return h, off, len(b), nil
	}
	h.Type = typeFromLongHeader(first)

	switch h.Type {
	case TypeRetry:
		// Token runs to the integrity tag at the end of the datagram.
		if len(b)-off < handshake.RetryIntegrityTagLen {
			return nil, 0, 0, ErrInvalidPacket
		}
		h.Token = b[off : len(b)-handshake.RetryIntegrityTagLen]
		return h, len(b), len(b), nil
	case TypeInitial:
		tokenLen, n, err := wire.ParseVarint(b[off:])
		if err != nil {
			return nil, 0, 0, ErrInvalidPacket
		}
		off += n
		if tokenLen > uint64(len(b)-off) {
			return nil, 0, 0, ErrInvalidPacket
		}
		h.Token = b[off : off+int(tokenLen)]
		off += int(tokenLen)
	}

	length, n, err := wire.ParseVarint(b[off:])
	if err != nil {
		return nil, 0, 0, ErrInvalidPacket
	}
	off += n
	if length > uint64(len(b)-off) || length < maxPacketNumberLen {
		return nil, 0, 0, ErrInvalidPacket
	}
	return h, off, off + int(length), nil
}

// PacketNumberLen returns the shortest encoding of pn that a receiver with
// the given largest-acknowledged value decodes unambiguously.
func PacketNumberLen(pn uint64, largestAcked uint64, acked bool) int {
	var numUnacked uint64
	if acked {
		numUnacked = pn - largestAcked
	} else {
		numUnacked = pn + 1
	}
	switch {
	case numUnacked < 1<<7:
		return 1
	case numUnacked < 1<<15:
		return 2
	case numUnacked < 1<<23:
		return 3
	default:
		return 4
	}
}

// DecodePacketNumber recovers the full packet number from its truncated
// on-wire form, choosing the candidate closest to expected (one more than
// the largest received so far). RFC 9000 appendix A.3.
func DecodePacketNumber(truncated uint64, pnLen int, expected uint64) uint64 {
	pnBits := uint(pnLen * 8)
	pnWin := uint64(1) << pnBits
	pnHWin := pnWin / 2
	pnMask := pnWin - 1

	candidate := (expected &^ pnMask) | truncated
	if candidate+pnHWin <= expected && candidate < (1<<62)-pnWin {
		return candidate + pnWin
	}
	if candidate > expected+pnHWin && candidate >= pnWin {
		return candidate - pnWin
	}
	return candidate
}

func appendPacketNumber(b []byte, pn uint64, pnLen int) []byte {
	for i := pnLen - 1; i >= 0; i-- {
		b = append(b, byte(pn>>(8*i)))
	}
	return b
}
