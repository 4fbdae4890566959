package wire

// PacketSpaceHint tells the parser which frames are admissible. Initial and
// Handshake packets carry only ack, crypto, padding, ping and close frames;
// 0-RTT packets carry everything except ack, crypto and HANDSHAKE_DONE.
type PacketSpaceHint uint8

const (
	HintInitial PacketSpaceHint = iota
	HintHandshake
	HintZeroRTT
	HintOneRTT
)

func frameAllowed(t FrameType, hint PacketSpaceHint) bool {
	switch hint {
	case HintInitial, HintHandshake:
		switch {
		case t == FrameTypePadding, t == FrameTypePing,
			t == FrameTypeAck, t == FrameTypeAckECN,
			t == FrameTypeCrypto, t == FrameTypeConnectionClose:
			return true
		}
		return false
	case HintZeroRTT:
		switch {
		case t == FrameTypeAck, t == FrameTypeAckECN, t == FrameTypeCrypto,
			t == FrameTypeNewToken, t == FrameTypeHandshakeDone,
			t == FrameTypePathResponse:
			return false
		}
		return true
	default:
		return true
	}
}

// ParseFrames decodes the full decrypted payload of one packet. A payload
// containing no frames, an unknown frame type, or a frame not admissible
// for the packet type is a protocol violation.
func ParseFrames(b []byte, hint PacketSpaceHint) ([]Frame, error) {
	if len(b) == 0 {
		return nil, NewError(ProtocolViolation, "empty packet payload")
	}
	var frames []Frame
	for len(b) > 0 {
		f, n, err := parseFrame(b, hint)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, nil
}

func parseFrame(b []byte, hint PacketSpaceHint) (Frame, int, error) {
	t, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, NewError(FrameEncodingError, "truncated frame type")
	}
	ft := FrameType(t)
	if !frameAllowed(ft, hint) {
		return nil, 0, &TransportError{Code: ProtocolViolation, FrameType: t,
			Reason: "frame not allowed in this packet type"}
	}
	rest := b[n:]
	var f Frame
	var m int
	switch {
	case ft == FrameTypePadding:
		// Coalesce the whole padding run into one frame.
		m = 0
		for m < len(rest) && rest[m] == 0 {
			m++
		}
		f = &PaddingFrame{Length: m + 1}
	case ft == FrameTypePing:
		f = &PingFrame{}
	case ft == FrameTypeAck || ft == FrameTypeAckECN:
		f, m, err = parseAckFrame(rest, ft == FrameTypeAckECN)
	case ft == FrameTypeResetStream:
		f, m, err = parseResetStream(rest)
	case ft == FrameTypeStopSending:
		f, m, err = parseStopSending(rest)
	case ft == FrameTypeCrypto:
		f, m, err = parseCrypto(rest)
	case ft == FrameTypeNewToken:
		f, m, err = parseNewToken(rest)
	case ft >= FrameTypeStream && ft <= FrameTypeStreamMax:
		f, m, err = parseStream(rest, byte(ft))
	case ft == FrameTypeMaxData:
		var v uint64
		v, m, err = parseOneVarint(rest)
		f = &MaxDataFrame{MaximumData: v}
	case ft == FrameTypeMaxStreamData:
		f, m, err = parseMaxStreamData(rest)
	case ft == FrameTypeMaxStreamsBidi || ft == FrameTypeMaxStreamsUni:
		var v uint64
		v, m, err = parseOneVarint(rest)
		if err == nil && v > maxStreamCount {
			return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t,
				Reason: "stream limit too large"}
		}
		f = &MaxStreamsFrame{Bidi: ft == FrameTypeMaxStreamsBidi, MaximumStreams: v}
	case ft == FrameTypeDataBlocked:
		var v uint64
		v, m, err = parseOneVarint(rest)
		f = &DataBlockedFrame{DataLimit: v}
	case ft == FrameTypeStreamDataBlocked:
		f, m, err = parseStreamDataBlocked(rest)
	case ft == FrameTypeStreamsBlockedBidi || ft == FrameTypeStreamsBlockedUni:
		var v uint64
		v, m, err = parseOneVarint(rest)
		f = &StreamsBlockedFrame{Bidi: ft == FrameTypeStreamsBlockedBidi, StreamLimit: v}
	case ft == FrameTypeNewConnectionID:
		f, m, err = parseNewConnectionID(rest)
	case ft == FrameTypeRetireConnectionID:
		var v uint64
		v, m, err = parseOneVarint(rest)
		f = &RetireConnectionIDFrame{SequenceNumber: v}
	case ft == FrameTypePathChallenge || ft == FrameTypePathResponse:
		if len(rest) < 8 {
			err = errVarintTruncated
			break
		}
		m = 8
		if ft == FrameTypePathChallenge {
			pc := &PathChallengeFrame{}
			copy(pc.Data[:], rest)
			f = pc
		} else {
			pr := &PathResponseFrame{}
			copy(pr.Data[:], rest)
			f = pr
		}
	case ft == FrameTypeConnectionClose || ft == FrameTypeConnectionCloseApp:
		f, m, err = parseConnectionClose(rest, ft == FrameTypeConnectionCloseApp)
	case ft == FrameTypeHandshakeDone:
		f = &HandshakeDoneFrame{}
	default:
		return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t,
			Reason: "unknown frame type"}
	}
	if err != nil {
		return nil, 0, &TransportError{Code: FrameEncodingError, FrameType: t,
			Reason: "malformed frame"}
	}
	return f, n + m, nil
}

// Stream counts are bounded so that the largest stream ID fits a varint.
const maxStreamCount = 1 << 60

func parseOneVarint(b []byte) (uint64, int, error) {
	return ParseVarint(b)
}

func parseAckFrame(b []byte, ecn bool) (*AckFrame, int, error) {
	largest, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	off := n
	delay, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	rangeCount, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	firstRange, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	if firstRange > largest {
		return nil, 0, errVarintRange
	}
	f := &AckFrame{DelayRaw: delay, ECN: ecn}
	f.Ranges = append(f.Ranges, AckRange{Smallest: largest - firstRange, Largest: largest})
	smallest := largest - firstRange
	for i := uint64(0); i < rangeCount; i++ {
		gap, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		length, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if gap+2 > smallest {
			return nil, 0, errVarintRange
		}
		largest = smallest - gap - 2
		if length > largest {
			return nil, 0, errVarintRange
		}
		smallest = largest - length
		f.Ranges = append(f.Ranges, AckRange{Smallest: smallest, Largest: largest})
	}
	if ecn {
		for _, p := range []*uint64{&f.ECT0, &f.ECT1, &f.ECNCE} {
			v, n, err := ParseVarint(b[off:])
			if err != nil {
				return nil, 0, err
			}
			*p = v
			off += n
		}
	}
	return f, off, nil
}

func parseResetStream(b []byte) (*ResetStreamFrame, int, error) {
	f := &ResetStreamFrame{}
	off := 0
	for _, p := range []*uint64{&f.StreamID, &f.ErrorCode, &f.FinalSize} {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		*p = v
		off += n
	}
	return f, off, nil
}

func parseStopSending(b []byte) (*StopSendingFrame, int, error) {
	f := &StopSendingFrame{}
	off := 0
	for _, p := range []*uint64{&f.StreamID, &f.ErrorCode} {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		*p = v
		off += n
	}
	return f, off, nil
}

func parseCrypto(b []byte) (*CryptoFrame, int, error) {
	offset, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	off := n
	length, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	if uint64(len(b)-off) < length {
		return nil, 0, errVarintTruncated
	}
	if offset+length > MaxVarint {
		return nil, 0, errVarintRange
	}
	return &CryptoFrame{Offset: offset, Data: b[off : off+int(length)]}, off + int(length), nil
}

func parseNewToken(b []byte) (*NewTokenFrame, int, error) {
	length, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	if length == 0 || uint64(len(b)-n) < length {
		return nil, 0, errVarintTruncated
	}
	return &NewTokenFrame{Token: b[n : n+int(length)]}, n + int(length), nil
}

func parseStream(b []byte, typeByte byte) (*StreamFrame, int, error) {
	hasOffset := typeByte&0x04 != 0
	hasLen := typeByte&0x02 != 0
	fin := typeByte&0x01 != 0
	id, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	off := n
	f := &StreamFrame{StreamID: id, Fin: fin, DataLenPresent: hasLen}
	if hasOffset {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		f.Offset = v
		off += n
	}
	dataLen := uint64(len(b) - off)
	if hasLen {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if v > uint64(len(b)-off) {
			return nil, 0, errVarintTruncated
		}
		dataLen = v
	}
	if f.Offset+dataLen > MaxVarint {
		return nil, 0, errVarintRange
	}
	f.Data = b[off : off+int(dataLen)]
	return f, off + int(dataLen), nil
}

func parseMaxStreamData(b []byte) (*MaxStreamDataFrame, int, error) {
	f := &MaxStreamDataFrame{}
	off := 0
	for _, p := range []*uint64{&f.StreamID, &f.MaximumData} {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		*p = v
		off += n
	}
	return f, off, nil
}

func parseStreamDataBlocked(b []byte) (*StreamDataBlockedFrame, int, error) {
	f := &StreamDataBlockedFrame{}
	off := 0
	for _, p := range []*uint64{&f.StreamID, &f.DataLimit} {
		v, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		*p = v
		off += n
	}
	return f, off, nil
}

func parseNewConnectionID(b []byte) (*NewConnectionIDFrame, int, error) {
	f := &NewConnectionIDFrame{}
	seq, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	f.SequenceNumber = seq
	off := n
	retire, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	f.RetirePriorTo = retire
	off += n
	if f.RetirePriorTo > f.SequenceNumber {
		return nil, 0, errVarintRange
	}
	if off >= len(b) {
		return nil, 0, errVarintTruncated
	}
	cidLen := int(b[off])
	off++
	if cidLen < 1 || cidLen > 20 || len(b)-off < cidLen+16 {
		return nil, 0, errVarintTruncated
	}
	f.ConnectionID = b[off : off+cidLen]
	off += cidLen
	copy(f.StatelessResetToken[:], b[off:off+16])
	return f, off + 16, nil
}

func parseConnectionClose(b []byte, isApp bool) (*ConnectionCloseFrame, int, error) {
	f := &ConnectionCloseFrame{IsApplication: isApp}
	code, n, err := ParseVarint(b)
	if err != nil {
		return nil, 0, err
	}
	f.ErrorCode = code
	off := n
	if !isApp {
		ft, n, err := ParseVarint(b[off:])
		if err != nil {
			return nil, 0, err
		}
		f.FrameType = ft
		off += n
	}
	reasonLen, n, err := ParseVarint(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	if reasonLen > uint64(len(b)-off) {
		return nil, 0, errVarintTruncated
	}
	f.Reason = string(b[off : off+int(reasonLen)])
	return f, off + int(reasonLen), nil
}
