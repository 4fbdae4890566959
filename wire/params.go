package wire

import (
	"time"
)

// Transport parameter IDs, RFC 9000 section 18.2.
const (
	paramOriginalDestinationCID    = 0x00
	paramMaxIdleTimeout            = 0x01
	paramStatelessResetToken       = 0x02
	paramMaxUDPPayloadSize         = 0x03
	paramInitialMaxData            = 0x04
	paramInitialMaxStreamDataBidiL = 0x05
	paramInitialMaxStreamDataBidiR = 0x06
	paramInitialMaxStreamDataUni   = 0x07
	paramInitialMaxStreamsBidi     = 0x08
	paramInitialMaxStreamsUni      = 0x09
	paramAckDelayExponent          = 0x0a
	paramMaxAckDelay               = 0x0b
	paramDisableActiveMigration    = 0x0c
	paramPreferredAddress          = 0x0d
	paramActiveConnectionIDLimit   = 0x0e
	paramInitialSourceCID          = 0x0f
	paramRetrySourceCID            = 0x10
)

// TransportParameters is the set of recognized transport parameters. Unknown
// parameters are skipped on decode; absent ones keep their defaults.
type TransportParameters struct {
	OriginalDestinationCID    []byte
	InitialSourceCID          []byte
	RetrySourceCID            []byte
	HasRetrySourceCID         bool
	StatelessResetToken       []byte // 16 bytes when present
	MaxIdleTimeout            time.Duration
	MaxUDPPayloadSize         uint64
	InitialMaxData            uint64
	InitialMaxStreamDataBidiL uint64
	InitialMaxStreamDataBidiR uint64
	InitialMaxStreamDataUni   uint64
	InitialMaxStreamsBidi     uint64
	InitialMaxStreamsUni      uint64
	AckDelayExponent          uint8
	MaxAckDelay               time.Duration
	DisableActiveMigration    bool
	ActiveConnectionIDLimit   uint64
	HasOriginalDestinationCID bool
	HasInitialSourceCID       bool
}

// DefaultTransportParameters returns the RFC-mandated defaults for
// parameters the peer did not send.
func DefaultTransportParameters() TransportParameters {
	return TransportParameters{
		MaxUDPPayloadSize:       65527,
		AckDelayExponent:        3,
		MaxAckDelay:             25 * time.Millisecond,
		ActiveConnectionIDLimit: 2,
	}
}

func appendParamVarint(b []byte, id uint64, v uint64) []byte {
	b = AppendVarint(b, id)
	b = AppendVarint(b, uint64(VarintLen(v)))
	return AppendVarint(b, v)
}

func appendParamBytes(b []byte, id uint64, v []byte) []byte {
	b = AppendVarint(b, id)
	b = AppendVarint(b, uint64(len(v)))
	return append(b, v...)
}

// Marshal encodes the parameters into the TLS extension payload.
func (p *TransportParameters) Marshal() []byte {
	var b []byte
	if p.HasOriginalDestinationCID {
		b = appendParamBytes(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	if p.MaxIdleTimeout > 0 {
		b = appendParamVarint(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if len(p.StatelessResetToken) == 16 {
		b = appendParamBytes(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	if p.MaxUDPPayloadSize > 0 {
		b = appendParamVarint(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	b = appendParamVarint(b, paramInitialMaxData, p.InitialMaxData)
	b = appendParamVarint(b, paramInitialMaxStreamDataBidiL, p.InitialMaxStreamDataBidiL)
	b = appendParamVarint(b, paramInitialMaxStreamDataBidiR, p.InitialMaxStreamDataBidiR)
	b = appendParamVarint(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = appendParamVarint(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendParamVarint(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	// A zero ack_delay_exponent or max_ack_delay means "unset": nothing
	// is emitted and the protocol default applies on decode.
	if p.AckDelayExponent != 0 && p.AckDelayExponent != 3 {
		b = appendParamVarint(b, paramAckDelayExponent, uint64(p.AckDelayExponent))
	}
	if p.MaxAckDelay != 0 && p.MaxAckDelay != 25*time.Millisecond {
		b = appendParamVarint(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		b = AppendVarint(b, paramDisableActiveMigration)
		b = AppendVarint(b, 0)
	}
	if p.ActiveConnectionIDLimit > 2 {
		b = appendParamVarint(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if p.HasInitialSourceCID {
		b = appendParamBytes(b, paramInitialSourceCID, p.InitialSourceCID)
	}
	if p.HasRetrySourceCID {
		b = appendParamBytes(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	return b
}

// UnmarshalTransportParameters decodes a TLS extension payload. Unknown
// parameter IDs are skipped per RFC 9000 section 7.4.
func UnmarshalTransportParameters(b []byte) (TransportParameters, error) {
	p := DefaultTransportParameters()
	seen := make(map[uint64]bool)
	for len(b) > 0 {
		id, n, err := ParseVarint(b)
		if err != nil {
			return p, NewError(TransportParameterError, "truncated parameter id")
		}
		b = b[n:]
		length, n, err := ParseVarint(b)
		if err != nil {
			return p, NewError(TransportParameterError, "truncated parameter length")
		}
		b = b[n:]
		if length > uint64(len(b)) {
			return p, NewError(TransportParameterError, "truncated parameter value")
		}
		val := b[:length]
		b = b[length:]
		if seen[id] {
			return p, NewError(TransportParameterError, "duplicate parameter")
		}
		seen[id] = true
		if err := p.setParam(id, val); err != nil {
			return p, err
		}
	}
	if p.AckDelayExponent > 20 {
		return p, NewError(TransportParameterError, "ack_delay_exponent too large")
	}
	if p.MaxAckDelay >= 1<<14*time.Millisecond {
		return p, NewError(TransportParameterError, "max_ack_delay too large")
	}
	if p.ActiveConnectionIDLimit < 2 {
		return p, NewError(TransportParameterError, "active_connection_id_limit below 2")
	}
	return p, nil
}

func (p *TransportParameters) setParam(id uint64, val []byte) error {
	varintVal := func() (uint64, error) {
		v, n, err := ParseVarint(val)
		if err != nil || n != len(val) {
			return 0, NewError(TransportParameterError, "malformed parameter value")
		}
		return v, nil
	}
	switch id {
	case paramOriginalDestinationCID:
		p.OriginalDestinationCID = append([]byte(nil), val...)
		p.HasOriginalDestinationCID = true
	case paramMaxIdleTimeout:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
	case paramStatelessResetToken:
		if len(val) != 16 {
			return NewError(TransportParameterError, "stateless_reset_token length")
		}
		p.StatelessResetToken = append([]byte(nil), val...)
	case paramMaxUDPPayloadSize:
		v, err := varintVal()
		if err != nil {
			return err
		}
		if v < 1200 {
			return NewError(TransportParameterError, "max_udp_payload_size below 1200")
		}
		p.MaxUDPPayloadSize = v
	case paramInitialMaxData:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.InitialMaxData = v
	case paramInitialMaxStreamDataBidiL:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiL = v
	case paramInitialMaxStreamDataBidiR:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiR = v
	case paramInitialMaxStreamDataUni:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataUni = v
	case paramInitialMaxStreamsBidi:
		v, err := varintVal()
		if err != nil {
			return err
		}
		if v > maxStreamCount {
			return NewError(TransportParameterError, "initial_max_streams_bidi too large")
		}
		p.InitialMaxStreamsBidi = v
	case paramInitialMaxStreamsUni:
		v, err := varintVal()
		if err != nil {
			return err
		}
		if v > maxStreamCount {
			return NewError(TransportParameterError, "initial_max_streams_uni too large")
		}
		p.InitialMaxStreamsUni = v
	case paramAckDelayExponent:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.AckDelayExponent = uint8(v)
	case paramMaxAckDelay:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.MaxAckDelay = time.Duration(v) * time.Millisecond
	case paramDisableActiveMigration:
		if len(val) != 0 {
			return NewError(TransportParameterError, "disable_active_migration value")
		}
		p.DisableActiveMigration = true
	case paramActiveConnectionIDLimit:
		v, err := varintVal()
		if err != nil {
			return err
		}
		p.ActiveConnectionIDLimit = v
	case paramInitialSourceCID:
		p.InitialSourceCID = append([]byte(nil), val...)
		p.HasInitialSourceCID = true
	case paramRetrySourceCID:
		p.RetrySourceCID = append([]byte(nil), val...)
		p.HasRetrySourceCID = true
	case paramPreferredAddress:
		// Recognized but not acted upon; migration to a preferred
		// address is outside the engine's send path.
	default:
		// Unknown parameters must be ignored.
	}
	return nil
}
