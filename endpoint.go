package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/quic/commons/logger"
	"github.com/bridgefall/quic/commons/metrics"
	"github.com/bridgefall/quic/internal/ratelimiter"
	"github.com/bridgefall/quic/packet"
)

// EndpointStats is a snapshot of endpoint counters.
type EndpointStats struct {
	DatagramsIn       int64
	RetriesSent       int64
	VersionNegotiated int64
	ResetsSent        int64
	Connections       int64
}

// Endpoint demultiplexes datagrams onto connections by Destination
// Connection ID and owns the server accept path: version negotiation,
// Retry-based address validation, and stateless resets for unroutable
// packets. Like Connection it performs no I/O; the caller moves bytes.
//
// Not safe for concurrent use.
type Endpoint struct {
	cfg Config
	log *slog.Logger

	conns map[string]*Connection // key: local connection ID bytes

	sealer   *tokenSealer
	resetKey [32]byte
	limiter  *ratelimiter.Ratelimiter

	datagramsIn metrics.Counter
	retriesSent metrics.Counter
	vnSent      metrics.Counter
	resetsSent  metrics.Counter
	active      metrics.Gauge
}

// NewEndpoint creates an endpoint. Server use requires cfg.NewHandshake.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	cfg = cfg.withDefaults()
	tokenKey := cfg.TokenKey
	if tokenKey == ([32]byte{}) {
		rand.Read(tokenKey[:])
	}
	resetKey := cfg.ResetKey
	if resetKey == ([32]byte{}) {
		rand.Read(resetKey[:])
	}
	sealer, err := newTokenSealer(tokenKey)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		cfg:      cfg,
		log:      logger.Named(cfg.Logger, "endpoint"),
		conns:    make(map[string]*Connection),
		sealer:   sealer,
		resetKey: resetKey,
		limiter:  ratelimiter.New(0, 0),
	}, nil
}

// StatsSnapshot returns current counter values.
func (e *Endpoint) StatsSnapshot() EndpointStats {
	return EndpointStats{
		DatagramsIn:       e.datagramsIn.Load(),
		RetriesSent:       e.retriesSent.Load(),
		VersionNegotiated: e.vnSent.Load(),
		ResetsSent:        e.resetsSent.Load(),
		Connections:       e.active.Load(),
	}
}

// resetTokenFor derives the stateless reset token of a connection ID.
// Stateless: any endpoint instance holding the same key derives the same
// token, so resets work even after connection state is gone.
func (e *Endpoint) resetTokenFor(cid []byte) [16]byte {
	mac := hmac.New(sha256.New, e.resetKey[:])
	mac.Write(cid)
	var token [16]byte
	copy(token[:], mac.Sum(nil))
	return token
}

func (e *Endpoint) attach(c *Connection) {
	c.localCIDs.issue = func() ([]byte, [16]byte) {
		cid := randomCID(localCIDLen)
		e.conns[string(cid)] = c
		return cid, e.resetTokenFor(cid)
	}
	c.localCIDs.retire = func(cid []byte) {
		delete(e.conns, string(cid))
	}
}

// Dial creates a client connection routed through this endpoint. Drain
// its PollDatagram for the first flight.
func (e *Endpoint) Dial(now time.Time) (*Connection, error) {
	c, err := NewClient(e.cfg, now)
	if err != nil {
		return nil, err
	}
	e.attach(c)
	e.conns[string(c.localCIDs.handshakeCID())] = c
	e.active.Inc()
	return c, nil
}

// HandleDatagram routes one received datagram. It returns the connection
// that consumed it (nil if none) and an immediate stateless response
// (version negotiation, Retry or stateless reset) to transmit, if any.
func (e *Endpoint) HandleDatagram(now time.Time, datagram []byte, from netip.AddrPort) (*Connection, []byte) {
	e.datagramsIn.Add(1)
	hdr, _, _, err := packet.ParseHeader(datagram, localCIDLen)
	if err != nil {
		return nil, nil
	}
	if c := e.conns[string(hdr.DestCID)]; c != nil {
		c.HandleDatagram(now, datagram)
		return c, nil
	}
	if !packet.IsLong(datagram[0]) {
		return nil, e.statelessReset(now, hdr.DestCID, len(datagram), from)
	}
	return e.accept(now, datagram, hdr, from)
}

// statelessReset answers an unroutable short-header packet. The reply
// must be smaller than the trigger so two confused endpoints cannot ping
// resets at each other forever.
func (e *Endpoint) statelessReset(now time.Time, dcid []byte, triggerSize int, from netip.AddrPort) []byte {
	size := triggerSize - 1
	if size < packet.MinStatelessResetSize {
		return nil
	}
	if size > 60 {
		size = 60
	}
	if !e.limiter.Allow(from.Addr(), now) {
		return nil
	}
	e.resetsSent.Add(1)
	return packet.EncodeStatelessReset(e.resetTokenFor(dcid), size)
}

// accept runs the server-side admission path for a long-header packet
// that matched no connection.
func (e *Endpoint) accept(now time.Time, datagram []byte, hdr *packet.Header, from netip.AddrPort) (*Connection, []byte) {
	if e.cfg.NewHandshake == nil {
		return nil, nil
	}
	if hdr.Type == packet.TypeVersionNegotiation || hdr.Type == packet.TypeRetry {
		return nil, nil
	}
	if hdr.Version != packet.Version1 {
		if len(datagram) < packet.MinInitialSize {
			return nil, nil
		}
		e.vnSent.Add(1)
		return nil, packet.EncodeVersionNegotiation(hdr.SrcCID, hdr.DestCID, []uint32{packet.Version1})
	}
	if hdr.Type != packet.TypeInitial {
		return nil, nil // Handshake or 0-RTT for a connection we dropped
	}
	if len(datagram) < packet.MinInitialSize || len(hdr.DestCID) < 8 {
		return nil, nil
	}

	odcid := hdr.DestCID
	keysCID := hdr.DestCID
	scid := randomCID(localCIDLen)
	validated := false
	usedRetry := false

	if len(hdr.Token) > 0 {
		tokODCID, isRetry, err := e.sealer.validate(hdr.Token, from.Addr(), now, e.cfg.RetryTokenLifetime)
		if err != nil {
			e.log.Debug("dropping initial with invalid token", "from", from)
			return nil, nil
		}
		validated = true
		if isRetry {
			// The client is answering our Retry: it addresses the
			// connection ID we minted, and the original DCID rides in
			// the token claims.
			odcid = tokODCID
			scid = append([]byte(nil), hdr.DestCID...)
			usedRetry = true
		}
	} else if e.cfg.RequireRetry || !e.limiter.Allow(from.Addr(), now) {
		token, err := e.sealer.retryToken(from.Addr(), hdr.DestCID, now)
		if err != nil {
			return nil, nil
		}
		e.retriesSent.Add(1)
		return nil, packet.EncodeRetry(hdr.SrcCID, randomCID(localCIDLen), token, hdr.DestCID)
	}

	c, err := newServerConnection(e.cfg, now, odcid, keysCID, scid, hdr.SrcCID, validated, usedRetry, nil, nil)
	if err != nil {
		e.log.Warn("server connection setup failed", "err", err)
		return nil, nil
	}
	e.attach(c)
	addr := from.Addr()
	c.newToken = func(now time.Time) []byte {
		tok, err := e.sealer.freshToken(addr, now)
		if err != nil {
			return nil
		}
		return tok
	}
	e.conns[string(scid)] = c
	if string(keysCID) != string(scid) {
		// The client keeps addressing its original DCID until our first
		// reply lands.
		e.conns[string(keysCID)] = c
	}
	e.active.Inc()
	e.log.Info("connection accepted", "from", from, "validated", validated, "retry", usedRetry)

	c.HandleDatagram(now, datagram)
	return c, nil
}

// Prune drops terminated connections from the routing table. Callers run
// it periodically or after observing EventConnectionClosed.
func (e *Endpoint) Prune() {
	dead := make(map[*Connection]bool)
	for cid, c := range e.conns {
		if c.state == stateClosed {
			dead[c] = true
			delete(e.conns, cid)
		}
	}
	for range dead {
		e.active.Dec()
	}
}

// Len returns the number of routed connection IDs.
func (e *Endpoint) Len() int { return len(e.conns) }
