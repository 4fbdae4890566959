package bytestream

import (
	"bytes"
	"testing"
)

func TestSendBufferWriteSendAck(t *testing.T) {
	var b SendBuffer
	b.Write([]byte("hello"))
	b.Write([]byte("world"))
	if b.Size() != 10 || !b.HasPending() || b.NextPending() != 0 {
		t.Fatalf("size=%d pending=%v next=%d", b.Size(), b.HasPending(), b.NextPending())
	}

	off, data := b.NextChunk(4, 100)
	if off != 0 || !bytes.Equal(data, []byte("hell")) {
		t.Fatalf("chunk = %d %q", off, data)
	}
	b.MarkSent(off, uint64(len(data)))

	off, data = b.NextChunk(100, 100)
	if off != 4 || !bytes.Equal(data, []byte("oworld")) {
		t.Fatalf("chunk = %d %q", off, data)
	}
	b.MarkSent(off, uint64(len(data)))
	if b.HasPending() {
		t.Fatalf("pending after sending everything")
	}

	b.MarkAcked(0, 10)
	if !b.AllAcked() {
		t.Fatalf("not all acked")
	}
	if b.Buffered() != 0 {
		t.Fatalf("acked prefix not released: %d", b.Buffered())
	}
}

func TestSendBufferFlowControlCap(t *testing.T) {
	var b SendBuffer
	b.Write([]byte("abcdefgh"))
	off, data := b.NextChunk(100, 3)
	if off != 0 || !bytes.Equal(data, []byte("abc")) {
		t.Fatalf("chunk = %d %q", off, data)
	}
	b.MarkSent(0, 3)
	if _, data := b.NextChunk(100, 3); data != nil {
		t.Fatalf("chunk beyond cap: %q", data)
	}
	if _, data := b.NextChunk(0, 100); data != nil {
		t.Fatalf("chunk with zero budget: %q", data)
	}
	off, data = b.NextChunk(100, 8)
	if off != 3 || !bytes.Equal(data, []byte("defgh")) {
		t.Fatalf("chunk = %d %q", off, data)
	}
}

func TestSendBufferLossRequeues(t *testing.T) {
	var b SendBuffer
	b.Write([]byte("abcdefghij"))
	b.MarkSent(0, 10)

	// Middle acked, then the whole flight declared lost: only the
	// unacked edges come back.
	b.MarkAcked(4, 2)
	b.MarkLost(0, 10)

	off, data := b.NextChunk(100, 100)
	if off != 0 || !bytes.Equal(data, []byte("abcd")) {
		t.Fatalf("first requeued chunk = %d %q", off, data)
	}
	b.MarkSent(0, 4)
	off, data = b.NextChunk(100, 100)
	if off != 6 || !bytes.Equal(data, []byte("ghij")) {
		t.Fatalf("second requeued chunk = %d %q", off, data)
	}
	b.MarkSent(6, 4)

	b.MarkAcked(0, 4)
	b.MarkAcked(6, 4)
	if !b.AllAcked() {
		t.Fatalf("not all acked")
	}
}

func TestSendBufferPrefixRelease(t *testing.T) {
	var b SendBuffer
	b.Write([]byte("0123456789"))
	b.MarkSent(0, 10)
	b.MarkAcked(5, 5) // out of order: nothing releasable yet
	if b.Buffered() != 10 {
		t.Fatalf("released before prefix acked: %d", b.Buffered())
	}
	b.MarkAcked(0, 5)
	if b.Buffered() != 0 {
		t.Fatalf("prefix not released: %d", b.Buffered())
	}
	if !b.AllAcked() {
		t.Fatalf("not all acked")
	}
	// Offsets keep working after release.
	b.Write([]byte("ab"))
	off, data := b.NextChunk(100, 100)
	if off != 10 || !bytes.Equal(data, []byte("ab")) {
		t.Fatalf("chunk = %d %q", off, data)
	}
}

func TestSendBufferEmpty(t *testing.T) {
	var b SendBuffer
	if !b.AllAcked() {
		t.Fatalf("empty buffer not AllAcked")
	}
	if _, data := b.NextChunk(100, 100); data != nil {
		t.Fatalf("chunk from empty buffer")
	}
}
