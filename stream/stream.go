package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/bridgefall/quic/internal/bytestream"
	"github.com/bridgefall/quic/wire"
)

// SendState is the sending half's state machine.
type SendState uint8

const (
	SendReady SendState = iota
	SendActive
	SendDataSent
	SendDataRecvd
	SendResetSent
	SendResetRecvd
)

// RecvState is the receiving half's state machine.
type RecvState uint8

const (
	RecvActive RecvState = iota
	RecvSizeKnown
	RecvDataRecvd
	RecvDataRead
	RecvResetRecvd
)

// ErrWouldBlock reports an operation the engine cannot satisfy right now
// (buffer or flow-control limits); the caller retries after progress.
var ErrWouldBlock = errors.New("operation would block")

// ErrClosed reports use of a stream half that was locally closed.
var ErrClosed = errors.New("stream closed")

// ErrFinished reports a clean end of stream on read.
var ErrFinished = errors.New("stream finished")

// ResetError is delivered when the peer reset the stream: a terminal
// signal distinct from data.
type ResetError struct {
	Code uint64
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("stream reset by peer, code 0x%x", e.Code)
}

// ID bit helpers: bit 0 is the initiator, bit 1 the direction.

// IsBidi reports whether id names a bidirectional stream.
func IsBidi(id uint64) bool { return id&0x2 == 0 }

// IsClientInitiated reports whether the client opened id.
func IsClientInitiated(id uint64) bool { return id&0x1 == 0 }

// StreamNum returns the per-type ordinal of id, starting at 0.
func StreamNum(id uint64) uint64 { return id >> 2 }

// Stream carries one ordered byte channel. All methods are driven by the
// owning connection's single thread of control.
type Stream struct {
	id  uint64
	mgr *Manager

	// Send side.
	sendState     SendState
	send          bytestream.SendBuffer
	sendLim       sendLimiter
	maxSendBuffer uint64
	finQueued     bool
	finSent       bool
	sendClosed    bool // application called Close
	resetCode     uint64
	resetPending  bool
	resetInFlight bool

	// Receive side.
	recvState     RecvState
	recv          bytestream.ReorderBuffer
	recvLim       recvLimiter
	finalSize     uint64
	hasFinalSize  bool
	peerResetCode uint64
	resetDeliver  bool // reset observed, not yet surfaced to the app
	finDelivered  bool // ErrFinished handed to the app

	stopCode      uint64
	stopPending   bool
	stopRequested bool
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint64 { return s.id }

// SendStateNow returns the send-side state.
func (s *Stream) SendStateNow() SendState { return s.sendState }

// RecvStateNow returns the receive-side state.
func (s *Stream) RecvStateNow() RecvState { return s.recvState }

// Write buffers p for sending. It accepts as much as fits under the send
// buffer ceiling and returns ErrWouldBlock when nothing fits; flow control
// gates actual transmission, not buffering.
func (s *Stream) Write(p []byte) (int, error) {
	switch s.sendState {
	case SendResetSent, SendResetRecvd:
		return 0, ErrClosed
	}
	if s.sendClosed {
		return 0, ErrClosed
	}
	if s.stopRequested {
		// Peer asked us to stop; writes fail with the reset in place.
		return 0, ErrClosed
	}
	room := int64(s.maxSendBuffer) - int64(s.send.Buffered())
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if int64(n) > room {
		n = int(room)
	}
	s.send.Write(p[:n])
	if s.sendState == SendReady {
		s.sendState = SendActive
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Close ends the send side cleanly; a FIN goes out once buffered data has
// been transmitted.
func (s *Stream) Close() error {
	switch s.sendState {
	case SendResetSent, SendResetRecvd:
		return ErrClosed
	}
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	s.finQueued = true
	if s.sendState == SendReady {
		s.sendState = SendActive
	}
	return nil
}

// Reset abruptly terminates the send side with an application code.
func (s *Stream) Reset(code uint64) {
	switch s.sendState {
	case SendResetSent, SendResetRecvd, SendDataRecvd:
		return
	}
	s.resetCode = code
	s.resetPending = true
	s.sendState = SendResetSent
	s.sendClosed = true
}

// StopSending asks the peer to stop transmitting on the receive side.
func (s *Stream) StopSending(code uint64) {
	switch s.recvState {
	case RecvResetRecvd, RecvDataRecvd, RecvDataRead:
		return
	}
	s.stopCode = code
	s.stopPending = true
}

// Read delivers contiguous received bytes. With no data available it
// returns ErrWouldBlock; after the final offset was read it returns
// ErrFinished; after a peer reset it returns *ResetError exactly once and
// the stream is done.
func (s *Stream) Read(p []byte) (int, error) {
	if s.recvState == RecvResetRecvd {
		if s.resetDeliver {
			s.resetDeliver = false
			return 0, &ResetError{Code: s.peerResetCode}
		}
		return 0, ErrClosed
	}
	if s.recvState == RecvDataRead {
		s.finDelivered = true
		return 0, ErrFinished
	}
	n := s.recv.Read(p)
	if n > 0 {
		s.recvLim.onConsumed(uint64(n), s.mgr.now(), s.mgr.rtt())
		s.mgr.connRecv.onConsumed(uint64(n), s.mgr.now(), s.mgr.rtt())
	}
	if s.hasFinalSize && s.recv.ReadOffset() == s.finalSize {
		if s.recvState == RecvDataRecvd || s.recvState == RecvSizeKnown {
			s.recvState = RecvDataRead
		}
		if n == 0 {
			s.finDelivered = true
			return 0, ErrFinished
		}
		// The terminal signal follows on the next Read; the stream must
		// stay addressable until then.
		return n, nil
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// handleStreamFrame ingests a STREAM frame. Duplicate and overlapping
// ranges merge idempotently; violations return transport errors.
func (s *Stream) handleStreamFrame(f *wire.StreamFrame) error {
	if s.recvState == RecvResetRecvd || s.recvState == RecvDataRead {
		return nil // late data after terminal state: drop
	}
	end := f.Offset + uint64(len(f.Data))
	if s.hasFinalSize {
		if end > s.finalSize || (f.Fin && end != s.finalSize) {
			return wire.NewError(wire.FinalSizeError, "stream data beyond final size")
		}
	}
	prevReceived := s.recvLim.received
	if !s.recvLim.record(end) {
		return wire.NewError(wire.FlowControlError, "stream flow-control limit exceeded")
	}
	if end > prevReceived {
		if !s.mgr.connRecv.record(s.mgr.connRecv.received + (end - prevReceived)) {
			return wire.NewError(wire.FlowControlError, "connection flow-control limit exceeded")
		}
	}
	if f.Fin {
		if s.hasFinalSize && s.finalSize != end {
			return wire.NewError(wire.FinalSizeError, "inconsistent final size")
		}
		s.finalSize = end
		s.hasFinalSize = true
		if s.recvState == RecvActive {
			s.recvState = RecvSizeKnown
		}
	}
	if s.stopRequested || s.stopPending {
		// We asked the peer to stop; ignore payload but keep accounting.
		return nil
	}
	s.recv.Insert(f.Offset, f.Data)
	if s.hasFinalSize && s.recv.ReadOffset()+s.recv.Readable() == s.finalSize {
		if s.recvState == RecvSizeKnown {
			s.recvState = RecvDataRecvd
		}
	}
	return nil
}

// handleReset ingests RESET_STREAM: terminal for the receive side, buffered
// data is discarded, and the application sees a distinct reset signal.
func (s *Stream) handleReset(f *wire.ResetStreamFrame) error {
	if s.hasFinalSize && f.FinalSize != s.finalSize {
		return wire.NewError(wire.FinalSizeError, "reset final size mismatch")
	}
	if f.FinalSize < s.recvLim.received {
		return wire.NewError(wire.FinalSizeError, "reset final size below received data")
	}
	switch s.recvState {
	case RecvResetRecvd, RecvDataRead:
		return nil
	}
	// Account the final size against flow control exactly once.
	if f.FinalSize > s.recvLim.received {
		delta := f.FinalSize - s.recvLim.received
		if !s.recvLim.record(f.FinalSize) {
			return wire.NewError(wire.FlowControlError, "reset exceeds stream flow-control limit")
		}
		if !s.mgr.connRecv.record(s.mgr.connRecv.received + delta) {
			return wire.NewError(wire.FlowControlError, "reset exceeds connection flow-control limit")
		}
	}
	s.finalSize = f.FinalSize
	s.hasFinalSize = true
	s.peerResetCode = f.ErrorCode
	s.recvState = RecvResetRecvd
	s.resetDeliver = true
	s.recv.Discard()
	return nil
}

// handleStopSending ingests STOP_SENDING: the send side resets with the
// peer's code echoed back.
func (s *Stream) handleStopSending(f *wire.StopSendingFrame) {
	s.stopRequested = true
	s.Reset(f.ErrorCode)
}

// handleMaxStreamData raises the peer-advertised send limit.
func (s *Stream) handleMaxStreamData(f *wire.MaxStreamDataFrame) {
	s.sendLim.update(f.MaximumData)
}

// wantsToSend reports whether the stream has frames to contribute.
func (s *Stream) wantsToSend() bool {
	if s.resetPending || s.stopPending {
		return true
	}
	if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return false
	}
	if s.send.HasPending() && s.sendLim.available() > 0 {
		return true
	}
	if s.finQueued && !s.finSent && !s.send.HasPending() {
		return true
	}
	return s.sendLim.shouldSignalBlocked() && s.send.HasPending()
}

// sendOffsetCap returns the highest absolute offset currently sendable
// under both the stream limit and connCredit remaining connection credit.
func (s *Stream) sendOffsetCap(connCredit uint64) uint64 {
	streamCap := s.sendLim.limit
	// Connection credit applies only to not-yet-sent-before offsets;
	// retransmissions of previously sent data consume no new credit.
	highWater := s.sendLim.sent
	connCap := highWater + connCredit
	if connCap < streamCap {
		return connCap
	}
	return streamCap
}

// appendStreamFrame builds at most one STREAM frame fitting maxBytes of
// encoded size. It returns the frame (nil if none), and how much new
// connection-level credit it consumed.
func (s *Stream) appendStreamFrame(maxBytes int, connCredit uint64) (*wire.StreamFrame, uint64) {
	if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return nil, 0
	}
	// Reserve header bytes: type + stream id + offset + length.
	overhead := 1 + wire.VarintLen(s.id) + 8 + 4
	if maxBytes <= overhead {
		return nil, 0
	}
	offset, data := s.send.NextChunk(uint64(maxBytes-overhead), s.sendOffsetCap(connCredit))
	if len(data) == 0 {
		// A bare FIN still needs a frame.
		if s.finQueued && !s.finSent && !s.send.HasPending() {
			f := &wire.StreamFrame{
				StreamID:       s.id,
				Offset:         s.send.Size(),
				Fin:            true,
				DataLenPresent: true,
			}
			s.finSent = true
			if s.sendState == SendActive || s.sendState == SendReady {
				s.sendState = SendDataSent
			}
			return f, 0
		}
		return nil, 0
	}
	f := &wire.StreamFrame{
		StreamID:       s.id,
		Offset:         offset,
		Data:           data,
		DataLenPresent: true,
	}
	end := offset + uint64(len(data))
	var newCredit uint64
	if end > s.sendLim.sent {
		newCredit = end - s.sendLim.sent
		s.sendLim.sent = end
	}
	s.send.MarkSent(offset, uint64(len(data)))
	if s.finQueued && !s.finSent && end == s.send.Size() && !s.send.HasPending() {
		f.Fin = true
		s.finSent = true
		if s.sendState == SendActive {
			s.sendState = SendDataSent
		}
	}
	return f, newCredit
}

// onFrameAcked processes acknowledgment of a previously sent STREAM frame.
func (s *Stream) onFrameAcked(f *wire.StreamFrame) {
	s.send.MarkAcked(f.Offset, uint64(len(f.Data)))
	if s.sendState == SendDataSent && s.finSent && s.send.AllAcked() {
		s.sendState = SendDataRecvd
	}
}

// onFrameLost requeues a lost STREAM frame's bytes; a lost FIN is resent.
func (s *Stream) onFrameLost(f *wire.StreamFrame) {
	s.send.MarkLost(f.Offset, uint64(len(f.Data)))
	if f.Fin {
		s.finSent = false
		if s.sendState == SendDataSent {
			s.sendState = SendActive
		}
	}
}

// onResetAcked completes the reset handshake.
func (s *Stream) onResetAcked() {
	s.resetInFlight = false
	if s.sendState == SendResetSent {
		s.sendState = SendResetRecvd
	}
}

// onResetLost retransmits the reset.
func (s *Stream) onResetLost() {
	s.resetInFlight = false
	if s.sendState == SendResetSent {
		s.resetPending = true
	}
}

// updateDue reports whether a MAX_STREAM_DATA update is owed.
func (s *Stream) updateDue() bool {
	switch s.recvState {
	case RecvResetRecvd, RecvDataRecvd, RecvDataRead:
		return false
	}
	if s.hasFinalSize {
		return false
	}
	return s.recvLim.updateDue()
}

func (s *Stream) nextRecvLimit(now time.Time, rtt time.Duration) uint64 {
	return s.recvLim.nextLimit(now, rtt)
}

// done reports whether both halves reached a terminal state, making the
// stream collectable.
func (s *Stream) done() bool {
	sendDone := s.sendState == SendDataRecvd || s.sendState == SendResetRecvd
	recvDone := (s.recvState == RecvDataRead && s.finDelivered) ||
		(s.recvState == RecvResetRecvd && !s.resetDeliver)
	if !IsBidi(s.id) {
		if s.isLocalSendOnly() {
			return sendDone
		}
		return recvDone
	}
	return sendDone && recvDone
}

func (s *Stream) isLocalSendOnly() bool {
	return IsClientInitiated(s.id) == s.mgr.isClient
}
