package quic

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/quic/handshake"
	"github.com/bridgefall/quic/handshake/handshaketest"
	"github.com/bridgefall/quic/packet"
	"github.com/bridgefall/quic/stream"
)

var startTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		NewHandshake: func(isClient bool) handshake.Adapter {
			return handshaketest.New(isClient, handshake.SuiteAES128GCM)
		},
	}
}

// loopback shuttles datagrams between one client connection and one
// server endpoint on a virtual clock.
type loopback struct {
	t      *testing.T
	now    time.Time
	server *Endpoint
	client *Connection
	srv    *Connection // server-side connection once accepted
	from   netip.AddrPort
}

func newLoopback(t *testing.T, cfg Config) *loopback {
	t.Helper()
	server, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	client, err := NewClient(cfg, startTime)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &loopback{
		t:      t,
		now:    startTime,
		server: server,
		client: client,
		from:   netip.MustParseAddrPort("192.0.2.1:40000"),
	}
}

// pump shuttles datagrams until both sides go quiet. It does not advance
// the clock.
func (l *loopback) pump() {
	for i := 0; i < 1000; i++ {
		moved := false
		for {
			dg := l.client.PollDatagram(l.now)
			if dg == nil {
				break
			}
			moved = true
			conn, resp := l.server.HandleDatagram(l.now, dg, l.from)
			if conn != nil && l.srv == nil {
				l.srv = conn
			}
			if resp != nil {
				l.client.HandleDatagram(l.now, resp)
			}
		}
		if l.srv != nil {
			for {
				dg := l.srv.PollDatagram(l.now)
				if dg == nil {
					break
				}
				moved = true
				l.client.HandleDatagram(l.now, dg)
			}
		}
		if !moved {
			return
		}
	}
	l.t.Fatalf("pump did not converge")
}

// advance moves the clock to the earliest pending deadline and fires it.
func (l *loopback) advance() bool {
	next := l.client.NextTimeout()
	if l.srv != nil {
		if st := l.srv.NextTimeout(); !st.IsZero() && (next.IsZero() || st.Before(next)) {
			next = st
		}
	}
	if next.IsZero() {
		return false
	}
	if next.After(l.now) {
		l.now = next
	}
	l.client.OnTimeout(l.now)
	if l.srv != nil {
		l.srv.OnTimeout(l.now)
	}
	return true
}

func (l *loopback) completeHandshake() {
	l.t.Helper()
	for i := 0; i < 20; i++ {
		l.pump()
		if l.client.HandshakeComplete() && l.srv != nil && l.srv.HandshakeComplete() {
			return
		}
		if !l.advance() {
			break
		}
	}
	l.t.Fatalf("handshake did not complete (client=%v)", l.client.HandshakeComplete())
}

func drainEvents(c *Connection) []Event {
	var evs []Event
	for {
		e, ok := c.PollEvent()
		if !ok {
			return evs
		}
		evs = append(evs, e)
	}
}

func findEvent(evs []Event, k EventKind) (Event, bool) {
	for _, e := range evs {
		if e.Kind == k {
			return e, true
		}
	}
	return Event{}, false
}

// readAll drains a stream to its FIN, pumping between short reads.
func (l *loopback) readAll(c *Connection, id uint64) []byte {
	l.t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for i := 0; i < 1000; i++ {
		n, err := c.StreamRead(id, buf)
		out = append(out, buf[:n]...)
		switch err {
		case nil:
			continue
		case stream.ErrFinished:
			return out
		case stream.ErrWouldBlock:
			l.pump()
			continue
		default:
			l.t.Fatalf("read stream %d: %v", id, err)
		}
	}
	l.t.Fatalf("stream %d never finished", id)
	return nil
}

func TestHandshakeAndEcho(t *testing.T) {
	l := newLoopback(t, testConfig())
	l.completeHandshake()

	clientEvents := drainEvents(l.client)
	if _, ok := findEvent(clientEvents, EventHandshakeComplete); !ok {
		t.Fatalf("client missing handshake event: %+v", clientEvents)
	}
	if e, ok := findEvent(clientEvents, EventNewToken); !ok || len(e.Token) == 0 {
		t.Fatalf("client missing NEW_TOKEN: %+v", clientEvents)
	}
	if _, ok := findEvent(drainEvents(l.srv), EventHandshakeComplete); !ok {
		t.Fatalf("server missing handshake event")
	}

	id, err := l.client.OpenStream(true)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	msg := bytes.Repeat([]byte("quic loopback payload "), 100)
	for sent := 0; sent < len(msg); {
		n, err := l.client.StreamWrite(id, msg[sent:])
		if err != nil && err != stream.ErrWouldBlock {
			t.Fatalf("write: %v", err)
		}
		sent += n
		l.pump()
	}
	if err := l.client.StreamClose(id); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	l.pump()

	if _, ok := findEvent(drainEvents(l.srv), EventStreamOpened); !ok {
		t.Fatalf("server missed stream open")
	}
	got := l.readAll(l.srv, id)
	if !bytes.Equal(got, msg) {
		t.Fatalf("server read %d bytes, want %d", len(got), len(msg))
	}

	// Echo it back.
	for sent := 0; sent < len(got); {
		n, err := l.srv.StreamWrite(id, got[sent:])
		if err != nil && err != stream.ErrWouldBlock {
			t.Fatalf("echo write: %v", err)
		}
		sent += n
		l.pump()
	}
	if err := l.srv.StreamClose(id); err != nil {
		t.Fatalf("echo close: %v", err)
	}
	l.pump()
	if echoed := l.readAll(l.client, id); !bytes.Equal(echoed, msg) {
		t.Fatalf("client read %d echoed bytes, want %d", len(echoed), len(msg))
	}

	stats := l.client.StatsSnapshot()
	if stats.DatagramsIn == 0 || stats.DatagramsOut == 0 {
		t.Fatalf("stats not counting: %+v", stats)
	}
}

func TestRetryFlow(t *testing.T) {
	cfg := testConfig()
	cfg.RequireRetry = true
	l := newLoopback(t, cfg)
	l.completeHandshake()

	if got := l.server.StatsSnapshot().RetriesSent; got != 1 {
		t.Fatalf("retries sent = %d", got)
	}
	if !l.client.usedRetry || !l.srv.usedRetry {
		t.Fatalf("retry not recorded: client=%v server=%v", l.client.usedRetry, l.srv.usedRetry)
	}
	if !l.srv.addrValidated {
		t.Fatalf("retry token did not validate the address")
	}
}

func TestAmplificationLimit(t *testing.T) {
	l := newLoopback(t, testConfig())
	first := l.client.PollDatagram(l.now)
	if len(first) < packet.MinInitialSize {
		t.Fatalf("client initial %d bytes", len(first))
	}
	conn, _ := l.server.HandleDatagram(l.now, first, l.from)
	if conn == nil {
		t.Fatalf("server did not accept")
	}
	total := 0
	for {
		dg := conn.PollDatagram(l.now)
		if dg == nil {
			break
		}
		total += len(dg)
	}
	if total == 0 {
		t.Fatalf("server sent nothing")
	}
	if total > 3*len(first) {
		t.Fatalf("unvalidated server sent %d bytes for %d received", total, len(first))
	}
}

func TestKeyUpdate(t *testing.T) {
	l := newLoopback(t, testConfig())
	if err := l.client.RotateKeys(); err == nil {
		t.Fatalf("key update allowed before handshake")
	}
	l.completeHandshake()

	if err := l.client.RotateKeys(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !l.client.oneRTT.Phase() {
		t.Fatalf("client phase did not flip")
	}

	// Traffic in the new generation still round-trips, and the server
	// follows the phase.
	id, err := l.client.OpenStream(true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.client.StreamWrite(id, []byte("fresh keys"))
	l.client.StreamClose(id)
	l.pump()
	if got := l.readAll(l.srv, id); !bytes.Equal(got, []byte("fresh keys")) {
		t.Fatalf("server read %q", got)
	}
	if !l.srv.oneRTT.Phase() {
		t.Fatalf("server did not adopt the new phase")
	}
	if l.client.StatsSnapshot().DecryptFailures != 0 {
		t.Fatalf("decrypt failures after update")
	}
}

func TestApplicationClose(t *testing.T) {
	l := newLoopback(t, testConfig())
	l.completeHandshake()
	drainEvents(l.client)
	drainEvents(l.srv)

	l.client.Close(7, "done")
	if l.client.State() != "closing" {
		t.Fatalf("client state %s", l.client.State())
	}
	l.pump()

	e, ok := findEvent(drainEvents(l.srv), EventConnectionClosed)
	if !ok || !e.Remote || !e.IsApplication || e.ErrorCode != 7 {
		t.Fatalf("server close event %+v", e)
	}
	if l.srv.State() != "draining" {
		t.Fatalf("server state %s", l.srv.State())
	}
	e, ok = findEvent(drainEvents(l.client), EventConnectionClosed)
	if !ok || e.Remote || e.ErrorCode != 7 {
		t.Fatalf("client close event %+v", e)
	}

	// Both reach Closed after the drain period and get pruned.
	for l.advance() {
	}
	if l.client.State() != "closed" || l.srv.State() != "closed" {
		t.Fatalf("states %s/%s", l.client.State(), l.srv.State())
	}
	l.server.Prune()
	if l.server.Len() != 0 {
		t.Fatalf("routing table still holds %d entries", l.server.Len())
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdleTimeout = 5 * time.Second
	l := newLoopback(t, cfg)
	l.completeHandshake()
	drainEvents(l.client)

	l.now = l.now.Add(time.Hour)
	l.client.OnTimeout(l.now)
	if l.client.State() != "closed" {
		t.Fatalf("state %s after idle expiry", l.client.State())
	}
	e, ok := findEvent(drainEvents(l.client), EventConnectionClosed)
	if !ok || e.Remote || e.Reason != "idle timeout" {
		t.Fatalf("idle event %+v", e)
	}
	if !l.client.NextTimeout().IsZero() {
		t.Fatalf("closed connection still arms a timer")
	}
}

func TestStatelessResetRecognized(t *testing.T) {
	l := newLoopback(t, testConfig())
	l.completeHandshake()
	drainEvents(l.client)

	// NEW_CONNECTION_ID gave the client reset tokens for the server's
	// spare IDs; a reset built from one must be recognized.
	var token [16]byte
	found := false
	for _, c := range l.client.peerCIDs.cids {
		if c.seq > 0 && c.hasToken {
			token = c.resetToken
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no reset token learned from NEW_CONNECTION_ID")
	}

	l.client.HandleDatagram(l.now, packet.EncodeStatelessReset(token, 40))
	if l.client.State() != "draining" {
		t.Fatalf("state %s after reset", l.client.State())
	}
	e, ok := findEvent(drainEvents(l.client), EventConnectionClosed)
	if !ok || !e.Remote || e.Reason != "stateless reset" {
		t.Fatalf("reset event %+v", e)
	}
}

func TestStatelessResetSent(t *testing.T) {
	cfg := testConfig()
	server, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	// A short-header datagram for an unknown connection ID draws a
	// smaller stateless reset.
	dg := make([]byte, 100)
	dg[0] = 0x40
	_, resp := server.HandleDatagram(startTime, dg, netip.MustParseAddrPort("192.0.2.9:1234"))
	if resp == nil {
		t.Fatalf("no stateless reset")
	}
	if len(resp) >= len(dg) {
		t.Fatalf("reset (%d bytes) not smaller than trigger (%d)", len(resp), len(dg))
	}
	if server.StatsSnapshot().ResetsSent != 1 {
		t.Fatalf("resets sent = %d", server.StatsSnapshot().ResetsSent)
	}
}

func TestVersionNegotiationSent(t *testing.T) {
	server, err := NewEndpoint(testConfig())
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	// An Initial-shaped packet with an alien version draws version
	// negotiation.
	dg := []byte{0xc3, 0x3a, 0x3a, 0x3a, 0x3a}
	dg = append(dg, 8)
	dg = append(dg, bytes.Repeat([]byte{0xd1}, 8)...)
	dg = append(dg, 8)
	dg = append(dg, bytes.Repeat([]byte{0x51}, 8)...)
	dg = append(dg, 0)          // empty token
	dg = append(dg, 0x41, 0x00) // length 256
	dg = append(dg, make([]byte, packet.MinInitialSize-len(dg))...)

	_, resp := server.HandleDatagram(startTime, dg, netip.MustParseAddrPort("192.0.2.9:1234"))
	if resp == nil {
		t.Fatalf("no version negotiation")
	}
	hdr, off, _, err := packet.ParseHeader(resp, localCIDLen)
	if err != nil || hdr.Type != packet.TypeVersionNegotiation {
		t.Fatalf("reply header %+v, %v", hdr, err)
	}
	versions := packet.ParseVersionNegotiation(resp, off)
	if len(versions) != 1 || versions[0] != packet.Version1 {
		t.Fatalf("offered versions %v", versions)
	}
}

func TestVersionNegotiationClosesClient(t *testing.T) {
	l := newLoopback(t, testConfig())
	first := l.client.PollDatagram(l.now)
	if first == nil {
		t.Fatalf("no client initial")
	}

	// A version negotiation offering nothing we speak ends the attempt.
	vn := packet.EncodeVersionNegotiation([]byte{1}, []byte{2}, []uint32{0x3a3a3a3a})
	l.client.HandleDatagram(l.now, vn)
	if l.client.State() != "closed" {
		t.Fatalf("state %s", l.client.State())
	}
	e, ok := findEvent(drainEvents(l.client), EventConnectionClosed)
	if !ok || e.Reason != "no compatible version" {
		t.Fatalf("close event %+v", e)
	}

	// One listing our version is ignored.
	l2 := newLoopback(t, testConfig())
	l2.client.PollDatagram(l2.now)
	vn = packet.EncodeVersionNegotiation([]byte{1}, []byte{2}, []uint32{0x3a3a3a3a, packet.Version1})
	l2.client.HandleDatagram(l2.now, vn)
	if l2.client.State() == "closed" {
		t.Fatalf("client closed despite a compatible version")
	}
}
