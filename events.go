package quic

// EventKind discriminates connection events.
type EventKind uint8

const (
	// EventHandshakeComplete fires once the TLS handshake finished and
	// 1-RTT keys are in use.
	EventHandshakeComplete EventKind = iota

	// EventStreamOpened fires when the peer opens a stream.
	EventStreamOpened

	// EventStreamReadable fires when a stream transitions from empty to
	// having readable data (or a FIN became deliverable).
	EventStreamReadable

	// EventStreamReset fires when the peer reset a stream; ErrorCode
	// carries the application code.
	EventStreamReset

	// EventConnectionClosed fires once when the connection reaches a
	// terminal state. Remote is set when the peer initiated the close.
	EventConnectionClosed

	// EventNewToken delivers an address-validation token the server
	// issued for future connections.
	EventNewToken
)

var eventNames = [...]string{
	EventHandshakeComplete: "handshake_complete",
	EventStreamOpened:      "stream_opened",
	EventStreamReadable:    "stream_readable",
	EventStreamReset:       "stream_reset",
	EventConnectionClosed:  "connection_closed",
	EventNewToken:          "new_token",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is one application-visible connection occurrence, drained via
// Connection.PollEvent.
type Event struct {
	Kind     EventKind
	StreamID uint64
	// ErrorCode is the stream reset code, or for EventConnectionClosed
	// the transport or application error code.
	ErrorCode uint64
	// Remote marks closes initiated by the peer (including stateless
	// resets and idle timeouts observed locally report false).
	Remote bool
	// IsApplication distinguishes application CONNECTION_CLOSE codes
	// from transport error codes.
	IsApplication bool
	Reason        string
	Token         []byte
}
