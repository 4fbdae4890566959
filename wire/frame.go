package wire

import (
	"time"
)

// FrameType identifies a QUIC frame. STREAM frames occupy the range
// 0x08-0x0f, with the low bits flagging offset, length and fin fields.
type FrameType uint64

const (
	FrameTypePadding            FrameType = 0x00
	FrameTypePing               FrameType = 0x01
	FrameTypeAck                FrameType = 0x02
	FrameTypeAckECN             FrameType = 0x03
	FrameTypeResetStream        FrameType = 0x04
	FrameTypeStopSending        FrameType = 0x05
	FrameTypeCrypto             FrameType = 0x06
	FrameTypeNewToken           FrameType = 0x07
	FrameTypeStream             FrameType = 0x08
	FrameTypeStreamMax          FrameType = 0x0f
	FrameTypeMaxData            FrameType = 0x10
	FrameTypeMaxStreamData      FrameType = 0x11
	FrameTypeMaxStreamsBidi     FrameType = 0x12
	FrameTypeMaxStreamsUni      FrameType = 0x13
	FrameTypeDataBlocked        FrameType = 0x14
	FrameTypeStreamDataBlocked  FrameType = 0x15
	FrameTypeStreamsBlockedBidi FrameType = 0x16
	FrameTypeStreamsBlockedUni  FrameType = 0x17
	FrameTypeNewConnectionID    FrameType = 0x18
	FrameTypeRetireConnectionID FrameType = 0x19
	FrameTypePathChallenge      FrameType = 0x1a
	FrameTypePathResponse       FrameType = 0x1b
	FrameTypeConnectionClose    FrameType = 0x1c
	FrameTypeConnectionCloseApp FrameType = 0x1d
	FrameTypeHandshakeDone      FrameType = 0x1e
)

// Frame is a typed sub-unit within a packet's decrypted payload.
type Frame interface {
	Type() FrameType
	EncodedLen() int
	Append(b []byte) []byte
}

// IsAckEliciting reports whether the frame elicits an acknowledgment.
// Only ACK, PADDING and CONNECTION_CLOSE do not.
func IsAckEliciting(f Frame) bool {
	switch f.Type() {
	case FrameTypePadding, FrameTypeAck, FrameTypeAckECN,
		FrameTypeConnectionClose, FrameTypeConnectionCloseApp:
		return false
	}
	return true
}

// IsAckElicitingSet reports whether any frame in fs elicits an ack.
func IsAckElicitingSet(fs []Frame) bool {
	for _, f := range fs {
		if IsAckEliciting(f) {
			return true
		}
	}
	return false
}

// PaddingFrame represents a run of PADDING bytes.
type PaddingFrame struct {
	Length int
}

func (f *PaddingFrame) Type() FrameType { return FrameTypePadding }
func (f *PaddingFrame) EncodedLen() int { return f.Length }
func (f *PaddingFrame) Append(b []byte) []byte {
	return append(b, make([]byte, f.Length)...)
}

// PingFrame elicits an acknowledgment and carries nothing.
type PingFrame struct{}

func (f *PingFrame) Type() FrameType        { return FrameTypePing }
func (f *PingFrame) EncodedLen() int        { return 1 }
func (f *PingFrame) Append(b []byte) []byte { return append(b, byte(FrameTypePing)) }

// AckRange is one contiguous interval of acknowledged packet numbers.
type AckRange struct {
	Smallest uint64
	Largest  uint64
}

// AckFrame acknowledges received packets. Ranges are ordered from the
// largest packet number down, non-overlapping and non-adjacent.
type AckFrame struct {
	Ranges   []AckRange // Ranges[0] holds the overall largest
	DelayRaw uint64     // in units of 2^ack_delay_exponent microseconds

	// ECN counts; present only when ECN is set.
	ECN   bool
	ECT0  uint64
	ECT1  uint64
	ECNCE uint64
}

func (f *AckFrame) Type() FrameType {
	if f.ECN {
		return FrameTypeAckECN
	}
	return FrameTypeAck
}

// LargestAcked returns the largest packet number the frame acknowledges.
func (f *AckFrame) LargestAcked() uint64 { return f.Ranges[0].Largest }

// AcksPacket reports whether pn falls inside one of the frame's ranges.
func (f *AckFrame) AcksPacket(pn uint64) bool {
	for _, r := range f.Ranges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

// Delay converts the raw ack delay using the peer's ack_delay_exponent.
func (f *AckFrame) Delay(exponent uint8) time.Duration {
	return time.Duration(f.DelayRaw<<exponent) * time.Microsecond
}

// EncodeDelay converts a duration into raw ack delay units.
func EncodeDelay(d time.Duration, exponent uint8) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d/time.Microsecond) >> exponent
}

func (f *AckFrame) EncodedLen() int {
	first := f.Ranges[0]
	n := 1 + VarintLen(first.Largest) + VarintLen(f.DelayRaw) +
		VarintLen(uint64(len(f.Ranges)-1)) + VarintLen(first.Largest-first.Smallest)
	prev := first.Smallest
	for _, r := range f.Ranges[1:] {
		gap := prev - r.Largest - 2
		n += VarintLen(gap) + VarintLen(r.Largest-r.Smallest)
		prev = r.Smallest
	}
	if f.ECN {
		n += VarintLen(f.ECT0) + VarintLen(f.ECT1) + VarintLen(f.ECNCE)
	}
	return n
}

func (f *AckFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(f.Type()))
	first := f.Ranges[0]
	b = AppendVarint(b, first.Largest)
	b = AppendVarint(b, f.DelayRaw)
	b = AppendVarint(b, uint64(len(f.Ranges)-1))
	b = AppendVarint(b, first.Largest-first.Smallest)
	prev := first.Smallest
	for _, r := range f.Ranges[1:] {
		b = AppendVarint(b, prev-r.Largest-2)
		b = AppendVarint(b, r.Largest-r.Smallest)
		prev = r.Smallest
	}
	if f.ECN {
		b = AppendVarint(b, f.ECT0)
		b = AppendVarint(b, f.ECT1)
		b = AppendVarint(b, f.ECNCE)
	}
	return b
}

// ResetStreamFrame abruptly terminates the sending part of a stream.
type ResetStreamFrame struct {
	StreamID  uint64
	ErrorCode uint64
	FinalSize uint64
}

func (f *ResetStreamFrame) Type() FrameType { return FrameTypeResetStream }
func (f *ResetStreamFrame) EncodedLen() int {
	return 1 + VarintLen(f.StreamID) + VarintLen(f.ErrorCode) + VarintLen(f.FinalSize)
}
func (f *ResetStreamFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeResetStream))
	b = AppendVarint(b, f.StreamID)
	b = AppendVarint(b, f.ErrorCode)
	return AppendVarint(b, f.FinalSize)
}

// StopSendingFrame asks the peer to stop sending on a stream.
type StopSendingFrame struct {
	StreamID  uint64
	ErrorCode uint64
}

func (f *StopSendingFrame) Type() FrameType { return FrameTypeStopSending }
func (f *StopSendingFrame) EncodedLen() int {
	return 1 + VarintLen(f.StreamID) + VarintLen(f.ErrorCode)
}
func (f *StopSendingFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeStopSending))
	b = AppendVarint(b, f.StreamID)
	return AppendVarint(b, f.ErrorCode)
}

// CryptoFrame carries handshake bytes at an offset within the space's
// handshake byte stream.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

func (f *CryptoFrame) Type() FrameType { return FrameTypeCrypto }
func (f *CryptoFrame) EncodedLen() int {
	return 1 + VarintLen(f.Offset) + VarintLen(uint64(len(f.Data))) + len(f.Data)
}
func (f *CryptoFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeCrypto))
	b = AppendVarint(b, f.Offset)
	b = AppendVarint(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// NewTokenFrame delivers an address-validation token for future connections.
type NewTokenFrame struct {
	Token []byte
}

func (f *NewTokenFrame) Type() FrameType { return FrameTypeNewToken }
func (f *NewTokenFrame) EncodedLen() int {
	return 1 + VarintLen(uint64(len(f.Token))) + len(f.Token)
}
func (f *NewTokenFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeNewToken))
	b = AppendVarint(b, uint64(len(f.Token)))
	return append(b, f.Token...)
}

// StreamFrame carries application data at an explicit byte offset.
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool

	// DataLenPresent controls whether the length field is encoded. When
	// false the frame extends to the end of the packet.
	DataLenPresent bool
}

func (f *StreamFrame) Type() FrameType {
	t := FrameTypeStream
	if f.Offset > 0 {
		t |= 0x04
	}
	if f.DataLenPresent {
		t |= 0x02
	}
	if f.Fin {
		t |= 0x01
	}
	return t
}

func (f *StreamFrame) EncodedLen() int {
	n := 1 + VarintLen(f.StreamID) + len(f.Data)
	if f.Offset > 0 {
		n += VarintLen(f.Offset)
	}
	if f.DataLenPresent {
		n += VarintLen(uint64(len(f.Data)))
	}
	return n
}

func (f *StreamFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(f.Type()))
	b = AppendVarint(b, f.StreamID)
	if f.Offset > 0 {
		b = AppendVarint(b, f.Offset)
	}
	if f.DataLenPresent {
		b = AppendVarint(b, uint64(len(f.Data)))
	}
	return append(b, f.Data...)
}

// MaxDataFrame raises the connection-wide flow control limit.
type MaxDataFrame struct {
	MaximumData uint64
}

func (f *MaxDataFrame) Type() FrameType { return FrameTypeMaxData }
func (f *MaxDataFrame) EncodedLen() int { return 1 + VarintLen(f.MaximumData) }
func (f *MaxDataFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeMaxData))
	return AppendVarint(b, f.MaximumData)
}

// MaxStreamDataFrame raises a single stream's flow control limit.
type MaxStreamDataFrame struct {
	StreamID    uint64
	MaximumData uint64
}

func (f *MaxStreamDataFrame) Type() FrameType { return FrameTypeMaxStreamData }
func (f *MaxStreamDataFrame) EncodedLen() int {
	return 1 + VarintLen(f.StreamID) + VarintLen(f.MaximumData)
}
func (f *MaxStreamDataFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeMaxStreamData))
	b = AppendVarint(b, f.StreamID)
	return AppendVarint(b, f.MaximumData)
}

// MaxStreamsFrame raises the cumulative stream-count limit for one
// direction.
type MaxStreamsFrame struct {
	Bidi           bool
	MaximumStreams uint64
}

func (f *MaxStreamsFrame) Type() FrameType {
	if f.Bidi {
		return FrameTypeMaxStreamsBidi
	}
	return FrameTypeMaxStreamsUni
}
func (f *MaxStreamsFrame) EncodedLen() int { return 1 + VarintLen(f.MaximumStreams) }
func (f *MaxStreamsFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(f.Type()))
	return AppendVarint(b, f.MaximumStreams)
}

// DataBlockedFrame reports the sender is blocked on connection flow control.
type DataBlockedFrame struct {
	DataLimit uint64
}

func (f *DataBlockedFrame) Type() FrameType { return FrameTypeDataBlocked }
func (f *DataBlockedFrame) EncodedLen() int { return 1 + VarintLen(f.DataLimit) }
func (f *DataBlockedFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeDataBlocked))
	return AppendVarint(b, f.DataLimit)
}

// StreamDataBlockedFrame reports the sender is blocked on a stream limit.
type StreamDataBlockedFrame struct {
	StreamID  uint64
	DataLimit uint64
}

func (f *StreamDataBlockedFrame) Type() FrameType { return FrameTypeStreamDataBlocked }
func (f *StreamDataBlockedFrame) EncodedLen() int {
	return 1 + VarintLen(f.StreamID) + VarintLen(f.DataLimit)
}
func (f *StreamDataBlockedFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeStreamDataBlocked))
	b = AppendVarint(b, f.StreamID)
	return AppendVarint(b, f.DataLimit)
}

// StreamsBlockedFrame reports the sender is blocked on the stream-count
// limit for one direction.
type StreamsBlockedFrame struct {
	Bidi        bool
	StreamLimit uint64
}

func (f *StreamsBlockedFrame) Type() FrameType {
	if f.Bidi {
		return FrameTypeStreamsBlockedBidi
	}
	return FrameTypeStreamsBlockedUni
}
func (f *StreamsBlockedFrame) EncodedLen() int { return 1 + VarintLen(f.StreamLimit) }
func (f *StreamsBlockedFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(f.Type()))
	return AppendVarint(b, f.StreamLimit)
}

// NewConnectionIDFrame issues a fresh connection ID to the peer.
type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        []byte
	StatelessResetToken [16]byte
}

func (f *NewConnectionIDFrame) Type() FrameType { return FrameTypeNewConnectionID }
func (f *NewConnectionIDFrame) EncodedLen() int {
	return 1 + VarintLen(f.SequenceNumber) + VarintLen(f.RetirePriorTo) +
		1 + len(f.ConnectionID) + 16
}
func (f *NewConnectionIDFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeNewConnectionID))
	b = AppendVarint(b, f.SequenceNumber)
	b = AppendVarint(b, f.RetirePriorTo)
	b = append(b, byte(len(f.ConnectionID)))
	b = append(b, f.ConnectionID...)
	return append(b, f.StatelessResetToken[:]...)
}

// RetireConnectionIDFrame retires a peer-issued connection ID.
type RetireConnectionIDFrame struct {
	SequenceNumber uint64
}

func (f *RetireConnectionIDFrame) Type() FrameType { return FrameTypeRetireConnectionID }
func (f *RetireConnectionIDFrame) EncodedLen() int { return 1 + VarintLen(f.SequenceNumber) }
func (f *RetireConnectionIDFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypeRetireConnectionID))
	return AppendVarint(b, f.SequenceNumber)
}

// PathChallengeFrame probes path reachability.
type PathChallengeFrame struct {
	Data [8]byte
}

func (f *PathChallengeFrame) Type() FrameType { return FrameTypePathChallenge }
func (f *PathChallengeFrame) EncodedLen() int { return 9 }
func (f *PathChallengeFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypePathChallenge))
	return append(b, f.Data[:]...)
}

// PathResponseFrame answers a PATH_CHALLENGE with the same payload.
type PathResponseFrame struct {
	Data [8]byte
}

func (f *PathResponseFrame) Type() FrameType { return FrameTypePathResponse }
func (f *PathResponseFrame) EncodedLen() int { return 9 }
func (f *PathResponseFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(FrameTypePathResponse))
	return append(b, f.Data[:]...)
}

// ConnectionCloseFrame signals connection termination. IsApplication
// selects the 0x1d variant carrying an application error code.
type ConnectionCloseFrame struct {
	IsApplication bool
	ErrorCode     uint64
	FrameType     uint64 // transport variant only
	Reason        string
}

func (f *ConnectionCloseFrame) Type() FrameType {
	if f.IsApplication {
		return FrameTypeConnectionCloseApp
	}
	return FrameTypeConnectionClose
}

func (f *ConnectionCloseFrame) EncodedLen() int {
	n := 1 + VarintLen(f.ErrorCode) + VarintLen(uint64(len(f.Reason))) + len(f.Reason)
	if !f.IsApplication {
		n += VarintLen(f.FrameType)
	}
	return n
}

func (f *ConnectionCloseFrame) Append(b []byte) []byte {
	b = AppendVarint(b, uint64(f.Type()))
	b = AppendVarint(b, f.ErrorCode)
	if !f.IsApplication {
		b = AppendVarint(b, f.FrameType)
	}
	b = AppendVarint(b, uint64(len(f.Reason)))
	return append(b, f.Reason...)
}

// HandshakeDoneFrame confirms the handshake to the client.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Type() FrameType { return FrameTypeHandshakeDone }
func (f *HandshakeDoneFrame) EncodedLen() int { return 1 }
func (f *HandshakeDoneFrame) Append(b []byte) []byte {
	return append(b, byte(FrameTypeHandshakeDone))
}
