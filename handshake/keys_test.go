package handshake

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// Initial secret derivation vectors from RFC 9001 appendix A.1.
func TestInitialSecretsVectors(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")
	client, server := InitialSecrets(dcid)
	wantClient := unhex(t, "c00cf151ca5be075ed0ebfb5c80323c42d6b7db67881289af4008f1f6c357aea")
	wantServer := unhex(t, "3c199828fd139efd216c155ad844cc81fb82fa8d7446fa7d78be803acdda951b")
	if !bytes.Equal(client, wantClient) {
		t.Fatalf("client secret = %x", client)
	}
	if !bytes.Equal(server, wantServer) {
		t.Fatalf("server secret = %x", server)
	}
}

func TestInitialKeysMirror(t *testing.T) {
	dcid := unhex(t, "0001020304050607")
	clientRead, clientWrite, err := InitialKeys(dcid, true)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	serverRead, serverWrite, err := InitialKeys(dcid, false)
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	header := []byte{0xc3, 0, 0, 0, 1}
	payload := []byte("client initial flight")
	sealed := clientWrite.Seal(nil, payload, 0, header)
	opened, err := serverRead.Open(nil, sealed, 0, header)
	if err != nil || !bytes.Equal(opened, payload) {
		t.Fatalf("server failed to open client packet: %v", err)
	}

	payload = []byte("server reply")
	sealed = serverWrite.Seal(nil, payload, 1, header)
	opened, err = clientRead.Open(nil, sealed, 1, header)
	if err != nil || !bytes.Equal(opened, payload) {
		t.Fatalf("client failed to open server packet: %v", err)
	}
}

func TestOpenRejectsWrongPacketNumber(t *testing.T) {
	keys, err := NewKeys(SuiteAES128GCM, bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	header := []byte{0x40}
	sealed := keys.Seal(nil, []byte("data"), 5, header)
	if _, err := keys.Open(nil, sealed, 6, header); err == nil {
		t.Fatalf("wrong nonce accepted")
	}
	if !ErrDecrypt(mustErr(keys.Open(nil, sealed, 6, header))) {
		t.Fatalf("decrypt failure not classified")
	}
	if _, err := keys.Open(nil, sealed, 5, []byte{0x41}); err == nil {
		t.Fatalf("wrong additional data accepted")
	}
}

func mustErr(_ []byte, err error) error { return err }

func TestNextTrafficSecretRatchets(t *testing.T) {
	s0 := bytes.Repeat([]byte{3}, 32)
	s1 := NextTrafficSecret(s0)
	s2 := NextTrafficSecret(s1)
	if bytes.Equal(s0, s1) || bytes.Equal(s1, s2) {
		t.Fatalf("ratchet produced repeated secret")
	}
	if len(s1) != len(s0) {
		t.Fatalf("ratchet changed secret length")
	}
	if !bytes.Equal(NextTrafficSecret(s0), s1) {
		t.Fatalf("ratchet not deterministic")
	}
}

// Retry integrity vector from RFC 9001 appendix A.4.
func TestRetryIntegrityVector(t *testing.T) {
	packet := unhex(t, "ff000000010008f067a5502a4262b5746f6b656e04a265ba2eff4d829058fb3f0f2496ba")
	odcid := unhex(t, "8394c8f03e515708")
	if !VerifyRetryIntegrity(packet, odcid) {
		t.Fatalf("reference retry packet rejected")
	}
	if VerifyRetryIntegrity(packet, unhex(t, "0000000000000000")) {
		t.Fatalf("retry verified with wrong odcid")
	}
}
