package handshaketest

import (
	"bytes"
	"testing"

	"github.com/bridgefall/quic/handshake"
)

// pump shuttles pending handshake bytes between two adapters until both
// mailboxes run dry, like CRYPTO frames crossing a perfect network.
func pump(t *testing.T, client, server *Adapter) {
	t.Helper()
	for round := 0; round < 8; round++ {
		moved := false
		for sp := handshake.Space(0); sp < handshake.SpaceCount; sp++ {
			if out := client.PendingHandshakeBytes(sp); len(out) > 0 {
				moved = true
				if err := server.ProvideHandshakeBytes(sp, out); err != nil {
					t.Fatalf("server space %d: %v", sp, err)
				}
			}
			if out := server.PendingHandshakeBytes(sp); len(out) > 0 {
				moved = true
				if err := client.ProvideHandshakeBytes(sp, out); err != nil {
					t.Fatalf("client space %d: %v", sp, err)
				}
			}
		}
		if !moved {
			return
		}
	}
	t.Fatalf("handshake did not quiesce")
}

func TestAdapterExchange(t *testing.T) {
	client := New(true, handshake.SuiteAES128GCM)
	server := New(false, handshake.SuiteAES128GCM)
	client.SetTransportParameters([]byte("client params"))
	server.SetTransportParameters([]byte("server params"))

	if p := client.Progress(); p.Completed || p.HavePeerParams {
		t.Fatalf("fresh client progress %+v", p)
	}
	pump(t, client, server)

	for name, a := range map[string]*Adapter{"client": client, "server": server} {
		p := a.Progress()
		if !p.Completed || p.NeedMore {
			t.Fatalf("%s progress %+v", name, p)
		}
		// The transport applies peer limits only once Progress reports
		// the parameters arrived; without this nothing can be sent.
		if !p.HavePeerParams {
			t.Fatalf("%s progress does not report peer parameters", name)
		}
	}
	if params, ok := client.PeerTransportParameters(); !ok || string(params) != "server params" {
		t.Fatalf("client peer params %q ok=%v", params, ok)
	}
	if params, ok := server.PeerTransportParameters(); !ok || string(params) != "client params" {
		t.Fatalf("server peer params %q ok=%v", params, ok)
	}
}

func TestAdapterSecretsMatch(t *testing.T) {
	client := New(true, handshake.SuiteAES128GCM)
	server := New(false, handshake.SuiteAES128GCM)
	pump(t, client, server)

	for _, sp := range []handshake.Space{handshake.SpaceHandshake, handshake.SpaceOneRTT} {
		cs, ok := client.Secrets(sp)
		if !ok {
			t.Fatalf("client secrets missing for space %d", sp)
		}
		ss, ok := server.Secrets(sp)
		if !ok {
			t.Fatalf("server secrets missing for space %d", sp)
		}
		if !bytes.Equal(cs.Read, ss.Write) || !bytes.Equal(cs.Write, ss.Read) {
			t.Fatalf("space %d secrets do not pair", sp)
		}
	}
}

func TestAdapterBadFinished(t *testing.T) {
	client := New(true, handshake.SuiteAES128GCM)
	server := New(false, handshake.SuiteAES128GCM)

	if err := server.ProvideHandshakeBytes(handshake.SpaceInitial,
		client.PendingHandshakeBytes(handshake.SpaceInitial)); err != nil {
		t.Fatalf("client hello: %v", err)
	}
	if err := client.ProvideHandshakeBytes(handshake.SpaceInitial,
		server.PendingHandshakeBytes(handshake.SpaceInitial)); err != nil {
		t.Fatalf("server hello: %v", err)
	}

	flight := server.PendingHandshakeBytes(handshake.SpaceHandshake)
	flight[len(flight)-1] ^= 0xff
	if err := client.ProvideHandshakeBytes(handshake.SpaceHandshake, flight); err == nil {
		t.Fatalf("corrupted finished accepted")
	}
}
