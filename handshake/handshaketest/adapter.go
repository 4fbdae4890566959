// Package handshaketest provides a deterministic in-memory stand-in for a
// TLS engine. Two paired adapters run a miniature handshake whose messages
// travel through the transport's CRYPTO frames like real TLS flights, and
// derive matching traffic secrets on both sides. It exists for tests only
// and provides no security.
package handshaketest

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bridgefall/quic/handshake"
	"golang.org/x/crypto/hkdf"
)

const (
	msgClientHello = 1
	msgServerHello = 2
	msgExtensions  = 3
	msgFinished    = 4
)

var errUnexpectedMessage = errors.New("handshaketest: unexpected message")

// Adapter implements handshake.Adapter over a scripted message exchange.
type Adapter struct {
	isClient bool
	suite    handshake.Suite

	localRandom [16]byte
	peerRandom  [16]byte
	localParams []byte
	peerParams  []byte
	havePeer    bool

	inbox   [handshake.SpaceCount][]byte
	outbox  [handshake.SpaceCount][]byte
	secrets [handshake.SpaceCount]*handshake.Secrets

	started   bool
	completed bool
}

// New creates an unpaired adapter for the given role. Client and server
// adapters exchange messages through the transport under test.
func New(isClient bool, suite handshake.Suite) *Adapter {
	a := &Adapter{isClient: isClient, suite: suite}
	if _, err := rand.Read(a.localRandom[:]); err != nil {
		panic(err)
	}
	return a
}

// SetTransportParameters implements handshake.Adapter.
func (a *Adapter) SetTransportParameters(params []byte) {
	a.localParams = append([]byte(nil), params...)
}

// PeerTransportParameters implements handshake.Adapter.
func (a *Adapter) PeerTransportParameters() ([]byte, bool) {
	return a.peerParams, a.havePeer
}

// Progress implements handshake.Adapter.
func (a *Adapter) Progress() handshake.Progress {
	a.start()
	return handshake.Progress{
		NeedMore:       !a.completed,
		Completed:      a.completed,
		HavePeerParams: a.havePeer,
	}
}

// Secrets implements handshake.Adapter.
func (a *Adapter) Secrets(space handshake.Space) (handshake.Secrets, bool) {
	a.start()
	if s := a.secrets[space]; s != nil {
		return *s, true
	}
	return handshake.Secrets{}, false
}

// PendingHandshakeBytes implements handshake.Adapter.
func (a *Adapter) PendingHandshakeBytes(space handshake.Space) []byte {
	a.start()
	out := a.outbox[space]
	a.outbox[space] = nil
	return out
}

// ProvideHandshakeBytes implements handshake.Adapter.
func (a *Adapter) ProvideHandshakeBytes(space handshake.Space, data []byte) error {
	a.start()
	a.inbox[space] = append(a.inbox[space], data...)
	for {
		typ, payload, rest, ok := splitMessage(a.inbox[space])
		if !ok {
			return nil
		}
		a.inbox[space] = rest
		if err := a.handleMessage(space, typ, payload); err != nil {
			return err
		}
	}
}

func (a *Adapter) start() {
	if a.started {
		return
	}
	a.started = true
	if a.isClient {
		// ClientHello: random + transport parameters.
		a.queue(handshake.SpaceInitial, msgClientHello,
			appendMessageBody(a.localRandom[:], a.localParams))
	}
}

func (a *Adapter) handleMessage(space handshake.Space, typ byte, payload []byte) error {
	switch {
	case typ == msgClientHello && !a.isClient && space == handshake.SpaceInitial:
		random, params, err := splitMessageBody(payload)
		if err != nil {
			return err
		}
		copy(a.peerRandom[:], random)
		a.peerParams = params
		a.havePeer = true
		a.deriveSecrets()
		a.queue(handshake.SpaceInitial, msgServerHello, a.localRandom[:])
		a.queue(handshake.SpaceHandshake, msgExtensions,
			appendMessageBody(nil, a.localParams))
		a.queue(handshake.SpaceHandshake, msgFinished, a.finishedMAC(false))
		return nil
	case typ == msgServerHello && a.isClient && space == handshake.SpaceInitial:
		if len(payload) != len(a.peerRandom) {
			return errUnexpectedMessage
		}
		copy(a.peerRandom[:], payload)
		a.deriveSecrets()
		return nil
	case typ == msgExtensions && a.isClient && space == handshake.SpaceHandshake:
		_, params, err := splitMessageBody(payload)
		if err != nil {
			return err
		}
		a.peerParams = params
		a.havePeer = true
		return nil
	case typ == msgFinished && space == handshake.SpaceHandshake:
		want := a.finishedMAC(!a.isClient)
		if !bytes.Equal(payload, want) {
			return fmt.Errorf("handshaketest: bad finished mac")
		}
		if a.isClient {
			a.queue(handshake.SpaceHandshake, msgFinished, a.finishedMAC(true))
		}
		a.completed = true
		return nil
	}
	return errUnexpectedMessage
}

func (a *Adapter) queue(space handshake.Space, typ byte, payload []byte) {
	msg := make([]byte, 0, 3+len(payload))
	msg = append(msg, typ)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(payload)))
	msg = append(msg, payload...)
	a.outbox[space] = append(a.outbox[space], msg...)
}

func (a *Adapter) sharedSeed() []byte {
	clientRandom, serverRandom := a.localRandom[:], a.peerRandom[:]
	if !a.isClient {
		clientRandom, serverRandom = serverRandom, clientRandom
	}
	return append(append([]byte(nil), clientRandom...), serverRandom...)
}

func (a *Adapter) deriveSecrets() {
	seed := a.sharedSeed()
	derive := func(label string) []byte {
		out := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, seed, nil, []byte(label))
		if _, err := io.ReadFull(r, out); err != nil {
			panic(err)
		}
		return out
	}
	for _, sp := range []struct {
		space handshake.Space
		label string
	}{
		{handshake.SpaceHandshake, "hs"},
		{handshake.SpaceOneRTT, "app"},
	} {
		client := derive(sp.label + " client")
		server := derive(sp.label + " server")
		s := &handshake.Secrets{Suite: a.suite}
		if a.isClient {
			s.Read, s.Write = server, client
		} else {
			s.Read, s.Write = client, server
		}
		a.secrets[sp.space] = s
	}
}

func (a *Adapter) finishedMAC(fromClient bool) []byte {
	label := "fin server"
	if fromClient {
		label = "fin client"
	}
	out := make([]byte, 16)
	r := hkdf.New(sha256.New, a.sharedSeed(), nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}

func splitMessage(b []byte) (typ byte, payload, rest []byte, ok bool) {
	if len(b) < 3 {
		return 0, nil, b, false
	}
	length := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < 3+length {
		return 0, nil, b, false
	}
	return b[0], b[3 : 3+length], b[3+length:], true
}

func appendMessageBody(fixed, variable []byte) []byte {
	out := make([]byte, 0, 2+len(fixed)+len(variable))
	out = binary.BigEndian.AppendUint16(out, uint16(len(fixed)))
	out = append(out, fixed...)
	return append(out, variable...)
}

func splitMessageBody(b []byte) (fixed, variable []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errUnexpectedMessage
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return nil, nil, errUnexpectedMessage
	}
	return b[2 : 2+n], b[2+n:], nil
}
