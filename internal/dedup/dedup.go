// Package dedup rejects duplicate packet numbers with a fixed-size
// sliding bitmap window over the receive sequence.
package dedup

type block uint64

const (
	blockBitLog = 6
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 7
	windowSize  = (ringBlocks - 1) * blockBits
	blockMask   = ringBlocks - 1
	bitMask     = blockBits - 1
)

// Window tracks which packet numbers have already been accepted. Numbers
// older than the window are treated as duplicates, which is safe: anything
// that far behind the highest received number is either replayed or already
// declared lost by the peer. The zero value is ready for use. Not safe for
// concurrent use.
type Window struct {
	highest uint64
	started bool
	ring    [ringBlocks]block
}

// Reset clears the window state.
func (w *Window) Reset() {
	w.highest = 0
	w.started = false
	w.ring = [ringBlocks]block{}
}

// Accept marks pn as received and reports whether it was new. Returns false
// for numbers seen before or numbers that fell behind the window.
func (w *Window) Accept(pn uint64) bool {
	if !w.started {
		w.started = true
		w.highest = pn
		w.ring[(pn>>blockBitLog)&blockMask] = 1 << (pn & bitMask)
		return true
	}
	indexBlock := pn >> blockBitLog
	if pn > w.highest {
		// Advancing: clear the blocks the window slides over.
		current := w.highest >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			w.ring[i&blockMask] = 0
		}
		w.highest = pn
	} else if w.highest-pn > windowSize {
		return false
	}
	indexBlock &= blockMask
	indexBit := pn & bitMask
	old := w.ring[indexBlock]
	next := old | 1<<indexBit
	w.ring[indexBlock] = next
	return old != next
}

// Highest returns the largest accepted packet number.
func (w *Window) Highest() uint64 { return w.highest }

// Started reports whether any packet number has been accepted yet.
func (w *Window) Started() bool { return w.started }
