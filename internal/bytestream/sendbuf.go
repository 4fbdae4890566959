package bytestream

import "github.com/bridgefall/quic/internal/rangeset"

// SendBuffer holds outgoing bytes until the peer acknowledges them,
// tracking which ranges are pending (never sent, or declared lost) and
// which are acknowledged. Acknowledged prefixes release memory.
type SendBuffer struct {
	base    uint64 // offset of data[0]
	data    []byte
	size    uint64       // total bytes ever written
	pending rangeset.Set // ranges awaiting (re)transmission
	acked   rangeset.Set
}

// Size returns the total number of bytes written so far; the next write
// lands at this offset.
func (b *SendBuffer) Size() uint64 { return b.size }

// Buffered returns the bytes retained awaiting acknowledgement.
func (b *SendBuffer) Buffered() uint64 { return uint64(len(b.data)) }

// Write appends p to the buffer and marks it pending.
func (b *SendBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.data = append(b.data, p...)
	b.pending.AddRange(b.size, b.size+uint64(len(p))-1)
	b.size += uint64(len(p))
}

// HasPending reports whether any range awaits (re)transmission.
func (b *SendBuffer) HasPending() bool { return !b.pending.IsEmpty() }

// NextPending returns the offset of the first pending byte. Valid only
// when HasPending.
func (b *SendBuffer) NextPending() uint64 { return b.pending.Min() }

// NextChunk returns the first pending range, clipped to maxLen bytes and
// to offsets below capOffset. A zero-length return means nothing sendable
// under the cap.
func (b *SendBuffer) NextChunk(maxLen uint64, capOffset uint64) (offset uint64, data []byte) {
	if b.pending.IsEmpty() || maxLen == 0 {
		return 0, nil
	}
	r := b.pending.Ascending()[0]
	if r.Smallest >= capOffset {
		return 0, nil
	}
	offset = r.Smallest
	end := r.Largest + 1
	if end > capOffset {
		end = capOffset
	}
	if end-offset > maxLen {
		end = offset + maxLen
	}
	return offset, b.data[offset-b.base : end-b.base]
}

// MarkSent removes [offset, offset+n) from the pending set.
func (b *SendBuffer) MarkSent(offset, n uint64) {
	if n == 0 {
		return
	}
	b.pending.RemoveRange(offset, offset+n-1)
}

// MarkLost requeues [offset, offset+n) for retransmission, except any
// portion acknowledged in the meantime.
func (b *SendBuffer) MarkLost(offset, n uint64) {
	if n == 0 {
		return
	}
	largest := offset + n - 1
	for _, a := range b.acked.Ascending() {
		if a.Largest < offset || a.Smallest > largest {
			continue
		}
		if a.Smallest > offset {
			b.pending.AddRange(offset, a.Smallest-1)
		}
		if a.Largest >= largest {
			return
		}
		offset = a.Largest + 1
	}
	b.pending.AddRange(offset, largest)
}

// MarkAcked records [offset, offset+n) as delivered and releases the
// acknowledged prefix.
func (b *SendBuffer) MarkAcked(offset, n uint64) {
	if n == 0 {
		return
	}
	b.acked.AddRange(offset, offset+n-1)
	b.pending.RemoveRange(offset, offset+n-1)
	// Release the contiguous acknowledged prefix.
	if b.acked.IsEmpty() {
		return
	}
	first := b.acked.Ascending()[0]
	if first.Smallest > b.base {
		return
	}
	release := first.Largest + 1
	if release <= b.base {
		return
	}
	b.data = b.data[release-b.base:]
	b.base = release
}

// AllAcked reports whether every written byte has been acknowledged.
func (b *SendBuffer) AllAcked() bool {
	if b.size == 0 {
		return true
	}
	if b.acked.Len() != 1 {
		return b.size == b.base
	}
	r := b.acked.Ascending()[0]
	return r.Smallest == 0 && r.Largest == b.size-1
}
