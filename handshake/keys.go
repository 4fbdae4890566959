// Package handshake defines the capability interface to an external TLS
// engine and the QUIC key schedule built from the secrets it yields.
package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Space identifies a packet-number space. Each space has independent keys,
// packet-number sequencing and acknowledgment state.
type Space uint8

const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceZeroRTT
	SpaceOneRTT
	SpaceCount
)

var spaceNames = [...]string{
	SpaceInitial:   "initial",
	SpaceHandshake: "handshake",
	SpaceZeroRTT:   "0rtt",
	SpaceOneRTT:    "1rtt",
}

func (s Space) String() string {
	if int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return fmt.Sprintf("space(%d)", uint8(s))
}

// Suite selects the AEAD and header-protection algorithm pair.
type Suite uint8

const (
	SuiteAES128GCM Suite = iota
	SuiteChaCha20Poly1305
)

// Initial packets for QUIC v1 derive their secrets from this salt.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

var errDecrypt = errors.New("packet decryption failed")

// ErrDecrypt reports whether err is an AEAD open failure, which is
// discardable noise at the packet level rather than a connection error.
func ErrDecrypt(err error) bool { return errors.Is(err, errDecrypt) }

func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1)
	info = binary.BigEndian.AppendUint16(info, uint16(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, 0)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		panic(err) // only fails on absurd lengths
	}
	return out
}

// InitialSecrets derives the client and server Initial traffic secrets
// from the client's first Destination Connection ID.
func InitialSecrets(dcid []byte) (client, server []byte) {
	initial := hkdf.Extract(sha256.New, dcid, initialSaltV1)
	client = hkdfExpandLabel(initial, "client in", sha256.Size)
	server = hkdfExpandLabel(initial, "server in", sha256.Size)
	return client, server
}

// NextTrafficSecret ratchets a 1-RTT traffic secret for a key update.
func NextTrafficSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", sha256.Size)
}

// headerProtector produces the 5-byte header-protection mask from a
// 16-byte ciphertext sample.
type headerProtector interface {
	mask(sample []byte) [5]byte
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (p *aesHeaderProtector) mask(sample []byte) [5]byte {
	var out [16]byte
	p.block.Encrypt(out[:], sample)
	var m [5]byte
	copy(m[:], out[:5])
	return m
}

type chachaHeaderProtector struct {
	key [32]byte
}

func (p *chachaHeaderProtector) mask(sample []byte) [5]byte {
	var m [5]byte
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(p.key[:], nonce)
	if err != nil {
		panic(err)
	}
	c.SetCounter(binary.LittleEndian.Uint32(sample[:4]))
	c.XORKeyStream(m[:], m[:])
	return m
}

// Keys holds one direction's packet-protection state for a space: the
// AEAD, its IV and the header-protection cipher, all derived from a single
// traffic secret.
type Keys struct {
	suite Suite
	aead  cipher.AEAD
	iv    [12]byte
	hp    headerProtector
}

// NewKeys derives packet-protection keys from a traffic secret.
func NewKeys(suite Suite, secret []byte) (*Keys, error) {
	k := &Keys{suite: suite}
	var keyLen int
	switch suite {
	case SuiteAES128GCM:
		keyLen = 16
	case SuiteChaCha20Poly1305:
		keyLen = chacha20poly1305.KeySize
	default:
		return nil, fmt.Errorf("unknown suite %d", suite)
	}
	key := hkdfExpandLabel(secret, "quic key", keyLen)
	hpKey := hkdfExpandLabel(secret, "quic hp", keyLen)
	copy(k.iv[:], hkdfExpandLabel(secret, "quic iv", len(k.iv)))

	switch suite {
	case SuiteAES128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		k.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		hpBlock, err := aes.NewCipher(hpKey)
		if err != nil {
			return nil, err
		}
		k.hp = &aesHeaderProtector{block: hpBlock}
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		k.aead = aead
		hp := &chachaHeaderProtector{}
		copy(hp.key[:], hpKey)
		k.hp = hp
	}
	return k, nil
}

// Overhead returns the AEAD tag length added to each packet.
func (k *Keys) Overhead() int { return k.aead.Overhead() }

func (k *Keys) nonce(pn uint64) [12]byte {
	n := k.iv
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], pn)
	for i := 0; i < 8; i++ {
		n[4+i] ^= pnBytes[i]
	}
	return n
}

// Seal encrypts payload with the full packet number pn, authenticating the
// header, and appends the result to dst.
func (k *Keys) Seal(dst, payload []byte, pn uint64, header []byte) []byte {
	n := k.nonce(pn)
	return k.aead.Seal(dst, n[:], payload, header)
}

// Open decrypts ciphertext, authenticating the header. A failure returns an
// error for which ErrDecrypt reports true.
func (k *Keys) Open(dst, ciphertext []byte, pn uint64, header []byte) ([]byte, error) {
	n := k.nonce(pn)
	out, err := k.aead.Open(dst, n[:], ciphertext, header)
	if err != nil {
		return nil, errDecrypt
	}
	return out, nil
}

// HeaderMask derives the header-protection mask from a ciphertext sample.
// The sample must be 16 bytes.
func (k *Keys) HeaderMask(sample []byte) ([5]byte, error) {
	if len(sample) != 16 {
		return [5]byte{}, fmt.Errorf("header protection sample must be 16 bytes, got %d", len(sample))
	}
	return k.hp.mask(sample), nil
}

// InitialKeys derives both directions' Initial-space keys for the given
// role. Initial packets always use the AES suite.
func InitialKeys(dcid []byte, isClient bool) (read, write *Keys, err error) {
	clientSecret, serverSecret := InitialSecrets(dcid)
	readSecret, writeSecret := clientSecret, serverSecret
	if isClient {
		readSecret, writeSecret = serverSecret, clientSecret
	}
	if read, err = NewKeys(SuiteAES128GCM, readSecret); err != nil {
		return nil, nil, err
	}
	if write, err = NewKeys(SuiteAES128GCM, writeSecret); err != nil {
		return nil, nil, err
	}
	return read, write, nil
}
