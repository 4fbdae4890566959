package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
)

// Retry packets are authenticated with a fixed key and nonce over a
// pseudo-packet prefixed with the original Destination Connection ID
// (RFC 9001 section 5.8).
var (
	retryKeyV1 = []byte{
		0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
		0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
	}
	retryNonceV1 = []byte{
		0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2,
		0x23, 0x98, 0x25, 0xbb,
	}
)

// RetryIntegrityTagLen is the length of the tag trailing a Retry packet.
const RetryIntegrityTagLen = 16

func retryAEAD() cipher.AEAD {
	block, err := aes.NewCipher(retryKeyV1)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

// RetryIntegrityTag computes the integrity tag for a Retry packet. retry is
// the packet without the tag; odcid is the Destination Connection ID of the
// Initial packet being answered.
func RetryIntegrityTag(retry, odcid []byte) [RetryIntegrityTagLen]byte {
	pseudo := make([]byte, 0, 1+len(odcid)+len(retry))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, retry...)
	sealed := retryAEAD().Seal(nil, retryNonceV1, nil, pseudo)
	var tag [RetryIntegrityTagLen]byte
	copy(tag[:], sealed)
	return tag
}

// VerifyRetryIntegrity checks the trailing tag of a full Retry packet.
func VerifyRetryIntegrity(packet, odcid []byte) bool {
	if len(packet) < RetryIntegrityTagLen {
		return false
	}
	body := packet[:len(packet)-RetryIntegrityTagLen]
	want := RetryIntegrityTag(body, odcid)
	got := packet[len(packet)-RetryIntegrityTagLen:]
	return subtle.ConstantTimeCompare(want[:], got) == 1
}
