// Package quic is a sans-I/O QUIC v1 protocol engine. It owns no sockets,
// timers or goroutines: callers feed in datagram bytes, the current time
// and application commands, and drain outgoing datagrams, events and the
// next timer deadline.
package quic

import (
	"log/slog"
	"time"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/stream"
)

const (
	// defaultMaxDatagramSize is a conservative UDP payload bound that
	// clears common tunnel MTUs.
	defaultMaxDatagramSize = 1350

	// localCIDLen is the length of connection IDs this endpoint issues.
	localCIDLen = 8
)

// Config carries the tunable knobs of an endpoint and its connections.
// The zero value is usable; withDefaults fills in the rest.
type Config struct {
	// NewHandshake builds the TLS engine adapter for a new connection.
	NewHandshake func(isClient bool) handshake.Adapter

	// MaxIdleTimeout closes connections with no traffic. Zero disables
	// the local limit (the peer's still applies).
	MaxIdleTimeout time.Duration

	// MaxDatagramSize bounds outgoing UDP payloads.
	MaxDatagramSize int

	// Flow-control windows and their auto-tuning ceilings.
	StreamWindow    uint64
	MaxStreamWindow uint64
	ConnWindow      uint64
	MaxConnWindow   uint64

	// Stream-count limits granted to the peer.
	MaxStreamsBidi uint64
	MaxStreamsUni  uint64

	// MaxSendBuffer bounds per-stream unacknowledged data.
	MaxSendBuffer uint64

	MaxAckDelay      time.Duration
	AckDelayExponent uint8

	// RequireRetry forces address validation via Retry for every new
	// client; otherwise Retry engages only under Initial flood pressure.
	RequireRetry bool

	// TokenKey seals Retry and NEW_TOKEN address-validation tokens. All
	// endpoint instances sharing state must agree on it. Zero means a
	// random per-endpoint key.
	TokenKey [32]byte

	// ResetKey keys stateless reset token derivation. Zero means a
	// random per-endpoint key (resets then only work within a process
	// lifetime).
	ResetKey [32]byte

	// RetryTokenLifetime bounds how old a Retry token may be.
	RetryTokenLifetime time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = defaultMaxDatagramSize
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = 512 * 1024
	}
	if c.MaxStreamWindow == 0 {
		c.MaxStreamWindow = 6 * 1024 * 1024
	}
	if c.ConnWindow == 0 {
		c.ConnWindow = 768 * 1024
	}
	if c.MaxConnWindow == 0 {
		c.MaxConnWindow = 24 * 1024 * 1024
	}
	if c.MaxStreamsBidi == 0 {
		c.MaxStreamsBidi = 100
	}
	if c.MaxStreamsUni == 0 {
		c.MaxStreamsUni = 100
	}
	if c.MaxSendBuffer == 0 {
		c.MaxSendBuffer = 1024 * 1024
	}
	if c.MaxAckDelay == 0 {
		c.MaxAckDelay = 25 * time.Millisecond
	}
	if c.AckDelayExponent == 0 {
		c.AckDelayExponent = 3
	}
	if c.RetryTokenLifetime == 0 {
		c.RetryTokenLifetime = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) streamLimits() stream.Limits {
	return stream.Limits{
		StreamWindowBidiLocal:  c.StreamWindow,
		StreamWindowBidiRemote: c.StreamWindow,
		StreamWindowUni:        c.StreamWindow,
		ConnWindow:             c.ConnWindow,
		MaxStreamWindow:        c.MaxStreamWindow,
		MaxConnWindow:          c.MaxConnWindow,
		MaxStreamsBidi:         c.MaxStreamsBidi,
		MaxStreamsUni:          c.MaxStreamsUni,
		MaxSendBuffer:          c.MaxSendBuffer,
	}
}
