package stream

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bridgefall/quic/wire"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testLimits() Limits {
	return Limits{
		StreamWindowBidiLocal:  1 << 14,
		StreamWindowBidiRemote: 1 << 14,
		StreamWindowUni:        1 << 14,
		ConnWindow:             1 << 16,
		MaxStreamWindow:        1 << 18,
		MaxConnWindow:          1 << 20,
		MaxStreamsBidi:         8,
		MaxStreamsUni:          4,
		MaxSendBuffer:          1 << 14,
	}
}

func testPeer() PeerLimits {
	return PeerLimits{
		StreamDataBidiLocal:  1 << 14,
		StreamDataBidiRemote: 1 << 14,
		StreamDataUni:        1 << 14,
		MaxData:              1 << 16,
		MaxStreamsBidi:       8,
		MaxStreamsUni:        4,
	}
}

func testManager(isClient bool) *Manager {
	m := NewManager(isClient, testLimits(),
		func() time.Time { return t0 },
		func() time.Duration { return 100 * time.Millisecond })
	m.SetPeerLimits(testPeer())
	return m
}

func wantCode(t *testing.T, err error, code wire.ErrorCode) {
	t.Helper()
	var te *wire.TransportError
	if !errors.As(err, &te) || te.Code != code {
		t.Fatalf("err = %v, want transport error %d", err, code)
	}
}

func mustOpen(t *testing.T, m *Manager, bidi bool) *Stream {
	t.Helper()
	s, err := m.Open(bidi)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func streamFrames(frames []wire.Frame) []*wire.StreamFrame {
	var out []*wire.StreamFrame
	for _, f := range frames {
		if sf, ok := f.(*wire.StreamFrame); ok {
			out = append(out, sf)
		}
	}
	return out
}

func TestStreamIDAllocation(t *testing.T) {
	client := testManager(true)
	for i, want := range []uint64{0, 4} {
		if s := mustOpen(t, client, true); s.ID() != want {
			t.Fatalf("bidi %d: id = %d, want %d", i, s.ID(), want)
		}
	}
	if s := mustOpen(t, client, false); s.ID() != 2 {
		t.Fatalf("uni id = %d", s.ID())
	}

	server := testManager(false)
	if s := mustOpen(t, server, true); s.ID() != 1 {
		t.Fatalf("server bidi id = %d", s.ID())
	}
	if s := mustOpen(t, server, false); s.ID() != 3 {
		t.Fatalf("server uni id = %d", s.ID())
	}
}

func TestOpenBlockedByStreamLimit(t *testing.T) {
	m := NewManager(true, testLimits(),
		func() time.Time { return t0 },
		func() time.Duration { return 100 * time.Millisecond })
	peer := testPeer()
	peer.MaxStreamsBidi = 1
	m.SetPeerLimits(peer)

	mustOpen(t, m, true)
	if _, err := m.Open(true); err != ErrWouldBlock {
		t.Fatalf("open past limit: %v", err)
	}
	found := false
	for _, f := range m.AppendFrames(1200) {
		if bf, ok := f.(*wire.StreamsBlockedFrame); ok && bf.Bidi && bf.StreamLimit == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no STREAMS_BLOCKED queued")
	}

	if err := m.HandleFrame(&wire.MaxStreamsFrame{Bidi: true, MaximumStreams: 2}); err != nil {
		t.Fatalf("max streams: %v", err)
	}
	if s := mustOpen(t, m, true); s.ID() != 4 {
		t.Fatalf("id after raise = %d", s.ID())
	}
}

func TestWriteProducesFrames(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, true)
	if n, err := s.Write([]byte("hello world")); n != 11 || err != nil {
		t.Fatalf("write: %d, %v", n, err)
	}
	if !m.WantsToSend() {
		t.Fatalf("buffered data but nothing to send")
	}

	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 {
		t.Fatalf("frames = %d", len(sf))
	}
	f := sf[0]
	if f.StreamID != 0 || f.Offset != 0 || !bytes.Equal(f.Data, []byte("hello world")) || f.Fin {
		t.Fatalf("frame %+v", f)
	}

	// Close after more data: the FIN rides on the last frame.
	s.Write([]byte("!"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sf = streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || sf[0].Offset != 11 || !sf[0].Fin {
		t.Fatalf("fin frame %+v", sf)
	}

	m.OnFrameAcked(f)
	m.OnFrameAcked(sf[0])
	if s.SendStateNow() != SendDataRecvd {
		t.Fatalf("send state = %d", s.SendStateNow())
	}
}

func TestBareFinFrame(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, false)
	s.Close()
	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || !sf[0].Fin || len(sf[0].Data) != 0 || sf[0].Offset != 0 {
		t.Fatalf("bare fin %+v", sf)
	}

	// Acked empty FIN completes the uni stream and collects it.
	m.OnFrameAcked(sf[0])
	if m.Get(s.ID()) != nil {
		t.Fatalf("finished uni stream not collected")
	}
}

func TestWriteAfterClose(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, true)
	s.Close()
	if _, err := s.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("write after close: %v", err)
	}
}

func TestReceiveAndRead(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("hello")}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	ev := m.PollEvents()
	if len(ev.New) != 1 || ev.New[0] != 0 || len(ev.Readable) != 1 {
		t.Fatalf("events %+v", ev)
	}

	s := m.Get(0)
	buf := make([]byte, 16)
	if n, _ := s.Read(buf); n != 5 || !bytes.Equal(buf[:5], []byte("hello")) {
		t.Fatalf("read %d %q", n, buf[:5])
	}
	if _, err := s.Read(buf); err != ErrWouldBlock {
		t.Fatalf("empty read: %v", err)
	}

	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Offset: 5, Fin: true}); err != nil {
		t.Fatalf("fin: %v", err)
	}
	if _, err := s.Read(buf); err != ErrFinished {
		t.Fatalf("read after fin: %v", err)
	}
	if s.RecvStateNow() != RecvDataRead {
		t.Fatalf("recv state = %d", s.RecvStateNow())
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Offset: 5, Data: []byte("world")}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if len(m.PollEvents().Readable) != 0 {
		t.Fatalf("gap reported readable")
	}
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("hello")}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if len(m.PollEvents().Readable) != 1 {
		t.Fatalf("filled gap not readable")
	}
	buf := make([]byte, 16)
	if n, _ := m.Get(0).Read(buf); string(buf[:n]) != "helloworld" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestStreamFlowControlViolation(t *testing.T) {
	m := testManager(false)
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Offset: 1 << 14, Data: []byte("x")})
	wantCode(t, err, wire.FlowControlError)
}

func TestConnFlowControlViolation(t *testing.T) {
	m := testManager(false)
	chunk := make([]byte, 1<<14)
	for id := uint64(0); id < 16; id += 4 {
		if err := m.HandleFrame(&wire.StreamFrame{StreamID: id, Data: chunk}); err != nil {
			t.Fatalf("stream %d: %v", id, err)
		}
	}
	// Stream windows all hold, but the connection window is spent.
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 16, Data: []byte("x")})
	wantCode(t, err, wire.FlowControlError)
}

func TestFinalSizeViolations(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("hello"), Fin: true}); err != nil {
		t.Fatalf("fin: %v", err)
	}
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Offset: 5, Data: []byte("x")})
	wantCode(t, err, wire.FinalSizeError)
	err = m.HandleFrame(&wire.StreamFrame{StreamID: 0, Offset: 4, Fin: true})
	wantCode(t, err, wire.FinalSizeError)
}

func TestResetDelivery(t *testing.T) {
	m := testManager(false)
	m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("hello")})
	if err := m.HandleFrame(&wire.ResetStreamFrame{StreamID: 0, ErrorCode: 7, FinalSize: 5}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ev := m.PollEvents(); len(ev.Reset) != 1 || ev.Reset[0] != 0 {
		t.Fatalf("events %+v", ev)
	}

	var re *ResetError
	_, err := m.Get(0).Read(make([]byte, 8))
	if !errors.As(err, &re) || re.Code != 7 {
		t.Fatalf("read after reset: %v", err)
	}
}

func TestFinObservedBeforeCollection(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 2, Data: []byte("tail"), Fin: true}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	s := m.Get(2)
	buf := make([]byte, 8)
	if n, err := s.Read(buf); n != 4 || err != nil {
		t.Fatalf("read: %d %v", n, err)
	}

	// A sweep between the data read and the terminal signal must not
	// collect the stream; the application has not seen the FIN yet.
	m.CollectDone()
	if m.Get(2) == nil {
		t.Fatalf("stream collected before the end of stream was observed")
	}
	if _, err := s.Read(buf); err != ErrFinished {
		t.Fatalf("read: %v", err)
	}
	m.CollectDone()
	if m.Get(2) != nil {
		t.Fatalf("stream not collected after the end of stream was observed")
	}
}

func TestResetDeliveredExactlyOnce(t *testing.T) {
	m := testManager(false)
	m.HandleFrame(&wire.StreamFrame{StreamID: 2, Data: []byte("hi")})
	if err := m.HandleFrame(&wire.ResetStreamFrame{StreamID: 2, ErrorCode: 5, FinalSize: 2}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s := m.Get(2)

	// The sweep the connection runs after frame processing must wait for
	// the application to observe the reset.
	m.CollectDone()
	if m.Get(2) == nil {
		t.Fatalf("stream collected before the reset was observed")
	}

	var re *ResetError
	if _, err := s.Read(make([]byte, 4)); !errors.As(err, &re) || re.Code != 5 {
		t.Fatalf("first read after reset: %v", err)
	}
	if _, err := s.Read(make([]byte, 4)); err != ErrClosed {
		t.Fatalf("second read after reset: %v", err)
	}
	m.CollectDone()
	if m.Get(2) != nil {
		t.Fatalf("stream not collected after the reset was observed")
	}
}

func TestCollectionPrunesSendQueue(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, false)
	keep := mustOpen(t, m, false)

	s.Close()
	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || sf[0].StreamID != s.ID() || !sf[0].Fin {
		t.Fatalf("fin flight %+v", sf)
	}
	m.OnFrameAcked(sf[0])
	if m.Get(s.ID()) != nil {
		t.Fatalf("finished uni stream not collected")
	}
	if len(m.sendQueue) != 1 || m.sendQueue[0] != keep.ID() {
		t.Fatalf("send queue after collection %v", m.sendQueue)
	}
}

func TestResetFinalSizeBelowReceived(t *testing.T) {
	m := testManager(false)
	m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("hello")})
	err := m.HandleFrame(&wire.ResetStreamFrame{StreamID: 0, ErrorCode: 1, FinalSize: 3})
	wantCode(t, err, wire.FinalSizeError)
}

func TestStopSendingResetsOurSend(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, true)
	s.Write([]byte("data"))
	if err := m.HandleFrame(&wire.StopSendingFrame{StreamID: 0, ErrorCode: 9}); err != nil {
		t.Fatalf("stop sending: %v", err)
	}
	if s.SendStateNow() != SendResetSent {
		t.Fatalf("send state = %d", s.SendStateNow())
	}
	if _, err := s.Write([]byte("more")); err != ErrClosed {
		t.Fatalf("write after stop: %v", err)
	}

	found := false
	for _, f := range m.AppendFrames(1200) {
		if rf, ok := f.(*wire.ResetStreamFrame); ok && rf.StreamID == 0 && rf.ErrorCode == 9 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no RESET_STREAM echoing the stop code")
	}
}

func TestStopSendingOnReceiveOnlyStream(t *testing.T) {
	m := testManager(false)
	// Stream 2 is client-initiated unidirectional: the server never sends
	// on it, so the peer cannot ask it to stop.
	err := m.HandleFrame(&wire.StopSendingFrame{StreamID: 2, ErrorCode: 1})
	wantCode(t, err, wire.StreamStateError)
}

func TestDataOnSendOnlyStream(t *testing.T) {
	m := testManager(true)
	mustOpen(t, m, false) // id 2, we send, peer receives
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 2, Data: []byte("x")})
	wantCode(t, err, wire.StreamStateError)
}

func TestFrameForUnopenedLocalStream(t *testing.T) {
	m := testManager(true)
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 4, Data: []byte("x")})
	wantCode(t, err, wire.StreamStateError)
}

func TestImplicitOpenOfSkippedStreams(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 8, Data: []byte("x")}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	ev := m.PollEvents()
	if len(ev.New) != 3 || ev.New[0] != 0 || ev.New[1] != 4 || ev.New[2] != 8 {
		t.Fatalf("new streams %v", ev.New)
	}
	if m.Count() != 3 {
		t.Fatalf("count = %d", m.Count())
	}
}

func TestPeerStreamLimit(t *testing.T) {
	m := testManager(false)
	err := m.HandleFrame(&wire.StreamFrame{StreamID: 32, Data: []byte("x")})
	wantCode(t, err, wire.StreamLimitError)
}

func TestSendRespectsPeerStreamLimit(t *testing.T) {
	m := NewManager(true, testLimits(),
		func() time.Time { return t0 },
		func() time.Duration { return 100 * time.Millisecond })
	peer := testPeer()
	peer.StreamDataBidiRemote = 10
	m.SetPeerLimits(peer)

	s := mustOpen(t, m, true)
	s.Write(make([]byte, 20))

	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || len(sf[0].Data) != 10 {
		t.Fatalf("first flight %+v", sf)
	}

	blocked := false
	for _, f := range m.AppendFrames(1200) {
		if bf, ok := f.(*wire.StreamDataBlockedFrame); ok && bf.StreamID == 0 && bf.DataLimit == 10 {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("no STREAM_DATA_BLOCKED at the limit")
	}

	m.HandleFrame(&wire.MaxStreamDataFrame{StreamID: 0, MaximumData: 20})
	sf = streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || sf[0].Offset != 10 || len(sf[0].Data) != 10 {
		t.Fatalf("second flight %+v", sf)
	}
}

func TestSendRespectsConnectionLimit(t *testing.T) {
	m := NewManager(true, testLimits(),
		func() time.Time { return t0 },
		func() time.Duration { return 100 * time.Millisecond })
	peer := testPeer()
	peer.MaxData = 10
	m.SetPeerLimits(peer)

	s := mustOpen(t, m, true)
	s.Write(make([]byte, 20))

	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || len(sf[0].Data) != 10 {
		t.Fatalf("first flight %+v", sf)
	}
	blocked := false
	for _, f := range m.AppendFrames(1200) {
		if bf, ok := f.(*wire.DataBlockedFrame); ok && bf.DataLimit == 10 {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("no DATA_BLOCKED at the connection limit")
	}

	m.HandleFrame(&wire.MaxDataFrame{MaximumData: 25})
	sf = streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || sf[0].Offset != 10 || len(sf[0].Data) != 10 {
		t.Fatalf("second flight %+v", sf)
	}
}

func TestLostFrameRetransmits(t *testing.T) {
	m := testManager(true)
	s := mustOpen(t, m, true)
	s.Write([]byte("abcdef"))
	sf := streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 {
		t.Fatalf("frames = %d", len(sf))
	}
	if m.WantsToSend() {
		t.Fatalf("nothing left yet more to send")
	}

	m.OnFrameLost(sf[0])
	if !m.WantsToSend() {
		t.Fatalf("lost data not requeued")
	}
	sf = streamFrames(m.AppendFrames(1200))
	if len(sf) != 1 || sf[0].Offset != 0 || !bytes.Equal(sf[0].Data, []byte("abcdef")) {
		t.Fatalf("retransmission %+v", sf)
	}
}

func TestWindowUpdateAfterRead(t *testing.T) {
	m := testManager(false)
	data := make([]byte, 10000)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 0, Data: data}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	s := m.Get(0)
	buf := make([]byte, len(data))
	for read := 0; read < len(data); {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		read += n
	}

	var update *wire.MaxStreamDataFrame
	for _, f := range m.AppendFrames(1200) {
		if uf, ok := f.(*wire.MaxStreamDataFrame); ok {
			update = uf
		}
	}
	if update == nil {
		t.Fatalf("no MAX_STREAM_DATA after draining the window")
	}
	if update.MaximumData != 10000+(1<<14) {
		t.Fatalf("new limit = %d", update.MaximumData)
	}
}

func TestPeerStreamCollectionRaisesLimit(t *testing.T) {
	m := testManager(false)
	if err := m.HandleFrame(&wire.StreamFrame{StreamID: 2, Data: []byte("bye"), Fin: true}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	s := m.Get(2)
	buf := make([]byte, 8)
	if n, err := s.Read(buf); n != 3 || err != nil {
		t.Fatalf("read: %d %v", n, err)
	}
	if _, err := s.Read(buf); err != ErrFinished {
		t.Fatalf("read: %v", err)
	}
	m.CollectDone()
	if m.Get(2) != nil {
		t.Fatalf("finished peer stream not collected")
	}

	found := false
	for _, f := range m.AppendFrames(1200) {
		if mf, ok := f.(*wire.MaxStreamsFrame); ok && !mf.Bidi && mf.MaximumStreams == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no MAX_STREAMS raise after collection")
	}
}
