package quic

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Token kinds: Retry tokens prove the current handshake's address;
// NEW_TOKEN tokens carry validation across connections.
const (
	tokenKindRetry uint8 = 1
	tokenKindFresh uint8 = 2
)

var errBadToken = errors.New("invalid address token")

// tokenClaims is the sealed content of an address-validation token.
type tokenClaims struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Addr   []byte `cbor:"2,keyasint"`
	Issued int64  `cbor:"3,keyasint"` // unix nanoseconds
	ODCID  []byte `cbor:"4,keyasint,omitempty"`
}

// tokenSealer turns claims into opaque tokens and back. Tokens are CBOR
// claims sealed with XChaCha20-Poly1305 under an endpoint-static key; the
// random nonce prefixes the ciphertext.
type tokenSealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func newTokenSealer(key [32]byte) (*tokenSealer, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &tokenSealer{aead: aead}, nil
}

func (s *tokenSealer) seal(c tokenClaims) ([]byte, error) {
	plain, err := cbor.Marshal(c)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *tokenSealer) open(token []byte) (tokenClaims, error) {
	var c tokenClaims
	if len(token) < chacha20poly1305.NonceSizeX+16 {
		return c, errBadToken
	}
	nonce, box := token[:chacha20poly1305.NonceSizeX], token[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return c, errBadToken
	}
	if err := cbor.Unmarshal(plain, &c); err != nil {
		return c, errBadToken
	}
	return c, nil
}

// retryToken issues a token answering an Initial from addr whose
// Destination Connection ID was odcid.
func (s *tokenSealer) retryToken(addr netip.Addr, odcid []byte, now time.Time) ([]byte, error) {
	return s.seal(tokenClaims{
		Kind:   tokenKindRetry,
		Addr:   addr.AsSlice(),
		Issued: now.UnixNano(),
		ODCID:  append([]byte(nil), odcid...),
	})
}

// freshToken issues a NEW_TOKEN token for future connections from addr.
func (s *tokenSealer) freshToken(addr netip.Addr, now time.Time) ([]byte, error) {
	return s.seal(tokenClaims{
		Kind:   tokenKindFresh,
		Addr:   addr.AsSlice(),
		Issued: now.UnixNano(),
	})
}

// validate checks a presented token against the packet's source address.
// For valid Retry tokens it returns the original Destination Connection
// ID the claims carry.
func (s *tokenSealer) validate(token []byte, addr netip.Addr, now time.Time, retryLifetime time.Duration) (odcid []byte, isRetry bool, err error) {
	c, err := s.open(token)
	if err != nil {
		return nil, false, err
	}
	claimed, ok := netip.AddrFromSlice(c.Addr)
	if !ok || claimed.Unmap() != addr.Unmap() {
		return nil, false, errBadToken
	}
	age := now.Sub(time.Unix(0, c.Issued))
	switch c.Kind {
	case tokenKindRetry:
		if age < 0 || age > retryLifetime {
			return nil, false, errBadToken
		}
		return c.ODCID, true, nil
	case tokenKindFresh:
		if age < 0 || age > 24*time.Hour {
			return nil, false, errBadToken
		}
		return nil, false, nil
	}
	return nil, false, errBadToken
}
