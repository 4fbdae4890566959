package wire

import "fmt"

// ErrorCode is a QUIC transport error code carried in CONNECTION_CLOSE.
type ErrorCode uint64

const (
	NoError                 ErrorCode = 0x00
	InternalError           ErrorCode = 0x01
	ConnectionRefused       ErrorCode = 0x02
	FlowControlError        ErrorCode = 0x03
	StreamLimitError        ErrorCode = 0x04
	StreamStateError        ErrorCode = 0x05
	FinalSizeError          ErrorCode = 0x06
	FrameEncodingError      ErrorCode = 0x07
	TransportParameterError ErrorCode = 0x08
	ConnectionIDLimitError  ErrorCode = 0x09
	ProtocolViolation       ErrorCode = 0x0a
	InvalidToken            ErrorCode = 0x0b
	ApplicationError        ErrorCode = 0x0c
	CryptoBufferExceeded    ErrorCode = 0x0d
	KeyUpdateError          ErrorCode = 0x0e
	AEADLimitReached        ErrorCode = 0x0f
	NoViablePath            ErrorCode = 0x10

	// CryptoError is the base of the range reserved for TLS alerts.
	CryptoError ErrorCode = 0x100
)

var errorCodeNames = map[ErrorCode]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	ConnectionRefused:       "CONNECTION_REFUSED",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamLimitError:        "STREAM_LIMIT_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalSizeError:          "FINAL_SIZE_ERROR",
	FrameEncodingError:      "FRAME_ENCODING_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ConnectionIDLimitError:  "CONNECTION_ID_LIMIT_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	InvalidToken:            "INVALID_TOKEN",
	ApplicationError:        "APPLICATION_ERROR",
	CryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	KeyUpdateError:          "KEY_UPDATE_ERROR",
	AEADLimitReached:        "AEAD_LIMIT_REACHED",
	NoViablePath:            "NO_VIABLE_PATH",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	if c >= CryptoError && c < CryptoError+0x100 {
		return fmt.Sprintf("CRYPTO_ERROR(%d)", uint64(c-CryptoError))
	}
	return fmt.Sprintf("0x%x", uint64(c))
}

// TransportError is a peer protocol violation that terminates the
// connection with a coded CONNECTION_CLOSE.
type TransportError struct {
	Code      ErrorCode
	FrameType uint64
	Reason    string
}

func (e *TransportError) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Reason
}

// NewError builds a TransportError without a triggering frame type.
func NewError(code ErrorCode, reason string) *TransportError {
	return &TransportError{Code: code, Reason: reason}
}

// ApplicationClose is an application-initiated or peer application close.
// The code is chosen by the application and carried transparently.
type ApplicationClose struct {
	Code   uint64
	Reason string
}

func (e *ApplicationClose) Error() string {
	return fmt.Sprintf("application error 0x%x: %s", e.Code, e.Reason)
}
