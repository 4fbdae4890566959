package handshake

// Secrets is one space's pair of traffic secrets as reported by the TLS
// engine. Read decrypts packets from the peer, Write protects our own.
type Secrets struct {
	Suite Suite
	Read  []byte
	Write []byte
}

// Progress is a snapshot of the TLS engine's state, polled after feeding
// it handshake bytes.
type Progress struct {
	// NeedMore is set while the engine is waiting for further peer
	// handshake bytes before it can make progress.
	NeedMore bool
	// Completed is set once the handshake has finished on this side.
	Completed bool
	// HavePeerParams is set once the peer's transport parameters are
	// available from PeerTransportParameters.
	HavePeerParams bool
}

// Adapter is the capability interface to an external TLS 1.3 engine. The
// engine performs all cryptographic handshake computation; the transport
// core only moves opaque handshake bytes in CRYPTO frames and consumes the
// secrets the adapter derives.
//
// Secrets for a space may become available before or after packets of that
// space arrive; the connection buffers undecryptable packets and replays
// them once the adapter reports the keys.
type Adapter interface {
	// ProvideHandshakeBytes feeds contiguous peer handshake bytes
	// received in CRYPTO frames of the given space.
	ProvideHandshakeBytes(space Space, data []byte) error

	// PendingHandshakeBytes drains handshake bytes the engine wants to
	// send in CRYPTO frames of the given space. Returns nil when there
	// is nothing to send.
	PendingHandshakeBytes(space Space) []byte

	// Progress reports the engine's current state.
	Progress() Progress

	// Secrets returns the traffic secrets for a space once derived.
	Secrets(space Space) (Secrets, bool)

	// PeerTransportParameters returns the peer's raw transport
	// parameter extension once the engine has received it.
	PeerTransportParameters() ([]byte, bool)

	// SetTransportParameters supplies the local transport parameter
	// extension for the engine to carry in its handshake messages. Must
	// be called before the handshake begins.
	SetTransportParameters(params []byte)
}
