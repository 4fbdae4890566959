// Package wire implements the QUIC wire primitives: variable-length
// integers, frames, transport error codes and transport parameters.
package wire

import "errors"

// Varint bounds for each encoded length.
const (
	maxVarint1 = 63
	maxVarint2 = 16383
	maxVarint4 = 1073741823
	maxVarint8 = 4611686018427387903

	// MaxVarint is the largest value representable as a QUIC varint.
	MaxVarint = maxVarint8
)

var errVarintTruncated = errors.New("truncated varint")
var errVarintRange = errors.New("varint out of range")

// VarintLen returns the number of bytes needed to encode v.
// v must not exceed MaxVarint.
func VarintLen(v uint64) int {
	switch {
	case v <= maxVarint1:
		return 1
	case v <= maxVarint2:
		return 2
	case v <= maxVarint4:
		return 4
	default:
		return 8
	}
}

// AppendVarint appends the varint encoding of v to b.
func AppendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= maxVarint1:
		return append(b, byte(v))
	case v <= maxVarint2:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v <= maxVarint4:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	case v <= maxVarint8:
		return append(b, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("varint value out of range")
	}
}

// ParseVarint decodes a varint from the front of b, returning the value and
// the number of bytes consumed.
func ParseVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errVarintTruncated
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, 0, errVarintTruncated
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length, nil
}
