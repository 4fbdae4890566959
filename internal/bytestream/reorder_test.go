package bytestream

import (
	"bytes"
	"testing"
)

func TestReorderGapThenFill(t *testing.T) {
	var b ReorderBuffer
	b.Insert(10, []byte("world"))
	if b.Readable() != 0 {
		t.Fatalf("readable with a gap: %d", b.Readable())
	}
	if b.Buffered() != 5 {
		t.Fatalf("buffered = %d, want 5", b.Buffered())
	}
	b.Insert(0, []byte("hello, tes"))
	if b.Readable() != 15 {
		t.Fatalf("readable = %d, want 15", b.Readable())
	}
	got := b.PopContiguous()
	if !bytes.Equal(got, []byte("hello, tesworld")) {
		t.Fatalf("read %q", got)
	}
	if b.ReadOffset() != 15 || b.Buffered() != 0 {
		t.Fatalf("offset=%d buffered=%d after drain", b.ReadOffset(), b.Buffered())
	}
}

func TestReorderDuplicatesAndOverlap(t *testing.T) {
	var b ReorderBuffer
	b.Insert(0, []byte("abcd"))
	b.Insert(0, []byte("abcd")) // exact duplicate
	b.Insert(2, []byte("cdef")) // overlaps tail, extends
	if b.Buffered() != 6 {
		t.Fatalf("buffered = %d, want 6", b.Buffered())
	}
	got := b.PopContiguous()
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("read %q", got)
	}
	// Data entirely below the read offset is dropped.
	b.Insert(0, []byte("abcdef"))
	if b.Buffered() != 0 {
		t.Fatalf("stale insert buffered %d bytes", b.Buffered())
	}
	// Straddling data is trimmed to the unread part.
	b.Insert(4, []byte("efgh"))
	got = b.PopContiguous()
	if !bytes.Equal(got, []byte("gh")) {
		t.Fatalf("read %q, want \"gh\"", got)
	}
}

func TestReorderOverlapBridgesSegments(t *testing.T) {
	var b ReorderBuffer
	b.Insert(0, []byte("aa"))
	b.Insert(4, []byte("cc"))
	b.Insert(8, []byte("ee"))
	// One insert covering everything fills both gaps without duplicating.
	b.Insert(0, []byte("xxbbxxddxx"))
	if b.Buffered() != 10 {
		t.Fatalf("buffered = %d, want 10", b.Buffered())
	}
	got := b.PopContiguous()
	if !bytes.Equal(got, []byte("aabbccddee")) {
		t.Fatalf("read %q", got)
	}
}

func TestReorderPartialRead(t *testing.T) {
	var b ReorderBuffer
	b.Insert(0, []byte("abcdefgh"))
	p := make([]byte, 3)
	if n := b.Read(p); n != 3 || string(p) != "abc" {
		t.Fatalf("read %d %q", n, p)
	}
	if b.ReadOffset() != 3 {
		t.Fatalf("offset = %d", b.ReadOffset())
	}
	rest := b.PopContiguous()
	if !bytes.Equal(rest, []byte("defgh")) {
		t.Fatalf("rest %q", rest)
	}
}

func TestReorderInsertDoesNotAliasCaller(t *testing.T) {
	var b ReorderBuffer
	src := []byte("abcd")
	b.Insert(0, src)
	src[0] = 'Z'
	if got := b.PopContiguous(); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("buffer aliased caller data: %q", got)
	}
}

func TestReorderDiscard(t *testing.T) {
	var b ReorderBuffer
	b.Insert(0, []byte("abc"))
	b.Insert(10, []byte("xyz"))
	b.Discard()
	if b.Buffered() != 0 || b.Readable() != 0 {
		t.Fatalf("discard left data")
	}
}
