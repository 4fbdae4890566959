package packet

import (
	"crypto/rand"

	"github.com/bridgefall/quic/handshake"
)

// EncodeRetry builds a Retry packet answering an Initial whose Destination
// Connection ID was odcid. The token carries the server's address
// validation state.
func EncodeRetry(dcid, scid, token, odcid []byte) []byte {
	b := []byte{longHeaderFirstByte(TypeRetry, 1)}
	b = append(b, byte(Version1>>24), byte(Version1>>16), byte(Version1>>8), byte(Version1))
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, token...)
	tag := handshake.RetryIntegrityTag(b, odcid)
	return append(b, tag[:]...)
}

// VerifyRetry checks a parsed Retry packet against the Destination
// Connection ID the client used in its Initial.
func VerifyRetry(raw, odcid []byte) bool {
	return handshake.VerifyRetryIntegrity(raw, odcid)
}

// EncodeVersionNegotiation builds a version negotiation packet echoing the
// client's connection IDs.
func EncodeVersionNegotiation(dcid, scid []byte, versions []uint32) []byte {
	var first [1]byte
	rand.Read(first[:])
	b := []byte{first[0] | headerFormLong}
	b = append(b, 0, 0, 0, 0) // version 0 marks the packet
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	for _, v := range versions {
		b = append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return b
}

// ParseVersionNegotiation extracts the offered versions. The header must
// already have been identified as version negotiation.
func ParseVersionNegotiation(b []byte, bodyOffset int) []uint32 {
	body := b[bodyOffset:]
	var versions []uint32
	for len(body) >= 4 {
		versions = append(versions,
			uint32(body[0])<<24|uint32(body[1])<<16|uint32(body[2])<<8|uint32(body[3]))
		body = body[4:]
	}
	return versions
}

// StatelessResetTokenLen is the length of a stateless reset token.
const StatelessResetTokenLen = 16

// MinStatelessResetSize is the smallest datagram a reset may occupy: one
// header byte, at least five random bytes and the token.
const MinStatelessResetSize = 1 + 5 + StatelessResetTokenLen

// EncodeStatelessReset builds a stateless reset datagram of the given
// total size, indistinguishable from a short-header packet.
func EncodeStatelessReset(token [StatelessResetTokenLen]byte, size int) []byte {
	if size < MinStatelessResetSize {
		size = MinStatelessResetSize
	}
	b := make([]byte, size)
	rand.Read(b[:size-StatelessResetTokenLen])
	b[0] = (b[0] &^ headerFormLong) | headerFixedBit
	copy(b[size-StatelessResetTokenLen:], token[:])
	return b
}

// StatelessResetToken extracts the trailing token of a datagram that may
// be a stateless reset. ok is false for datagrams too short to carry one.
func StatelessResetToken(datagram []byte) (token [StatelessResetTokenLen]byte, ok bool) {
	if len(datagram) < MinStatelessResetSize || IsLong(datagram[0]) {
		return token, false
	}
	copy(token[:], datagram[len(datagram)-StatelessResetTokenLen:])
	return token, true
}
