// Package bytestream provides offset-indexed byte buffering shared by
// application streams and the per-space CRYPTO streams: out-of-order
// reassembly on the receive side and retransmission-aware buffering on
// the send side.
package bytestream

import "sort"

type segment struct {
	offset uint64
	data   []byte
}

// ReorderBuffer reassembles out-of-order data keyed by byte offset.
// Overlapping and duplicate ranges merge idempotently; data becomes
// readable only once a contiguous prefix exists.
type ReorderBuffer struct {
	readOffset uint64    // everything below this was delivered
	segments   []segment // sorted by offset, non-overlapping
	buffered   uint64
}

// ReadOffset returns the offset of the next byte the reader will see.
func (b *ReorderBuffer) ReadOffset() uint64 { return b.readOffset }

// Buffered returns the number of bytes held for reassembly.
func (b *ReorderBuffer) Buffered() uint64 { return b.buffered }

// Insert merges data at offset into the buffer. Bytes below the read
// offset are trimmed; fully stale segments vanish.
func (b *ReorderBuffer) Insert(offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	end := offset + uint64(len(data))
	if end <= b.readOffset {
		return
	}
	if offset < b.readOffset {
		data = data[b.readOffset-offset:]
		offset = b.readOffset
	}
	i := sort.Search(len(b.segments), func(i int) bool {
		s := b.segments[i]
		return s.offset+uint64(len(s.data)) >= offset
	})
	for i < len(b.segments) && len(data) > 0 {
		s := b.segments[i]
		sEnd := s.offset + uint64(len(s.data))
		if s.offset > offset {
			// Gap before segment i: insert the part that fits.
			n := s.offset - offset
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			b.insertAt(i, offset, data[:n])
			i++
			offset += n
			data = data[n:]
			continue
		}
		// Segment i starts at or before offset: skip covered bytes.
		if sEnd > offset {
			skip := sEnd - offset
			if skip >= uint64(len(data)) {
				return
			}
			offset += skip
			data = data[skip:]
		}
		i++
	}
	if len(data) > 0 {
		b.insertAt(i, offset, data)
	}
}

func (b *ReorderBuffer) insertAt(i int, offset uint64, data []byte) {
	seg := segment{offset: offset, data: append([]byte(nil), data...)}
	b.segments = append(b.segments, segment{})
	copy(b.segments[i+1:], b.segments[i:])
	b.segments[i] = seg
	b.buffered += uint64(len(data))
}

// Readable returns how many contiguous bytes are available from the
// current read offset.
func (b *ReorderBuffer) Readable() uint64 {
	var n uint64
	next := b.readOffset
	for _, s := range b.segments {
		if s.offset != next {
			break
		}
		n += uint64(len(s.data))
		next += uint64(len(s.data))
	}
	return n
}

// Read copies up to len(p) contiguous bytes into p, advancing the read
// offset, and returns the count.
func (b *ReorderBuffer) Read(p []byte) int {
	total := 0
	for len(p) > 0 && len(b.segments) > 0 {
		s := &b.segments[0]
		if s.offset != b.readOffset {
			break
		}
		n := copy(p, s.data)
		p = p[n:]
		total += n
		b.readOffset += uint64(n)
		b.buffered -= uint64(n)
		if n == len(s.data) {
			b.segments = b.segments[1:]
		} else {
			s.data = s.data[n:]
			s.offset += uint64(n)
		}
	}
	return total
}

// PopContiguous returns (without copying into a caller buffer) the whole
// contiguous prefix currently available.
func (b *ReorderBuffer) PopContiguous() []byte {
	n := b.Readable()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	b.Read(out)
	return out
}

// Discard drops all buffered data, e.g. after a stream reset.
func (b *ReorderBuffer) Discard() {
	b.segments = nil
	b.buffered = 0
}
