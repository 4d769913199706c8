// Package window implements the sliding bit-set window primitive shared by
// the reliability control protocol's outgoing packet window and the
// admission pipeline's allocated-timeslot bookkeeping.
//
// A Window tracks, over a 64-bit sequence space, which of the most recent
// CapacityBits() sequence numbers have been "marked". It is not safe for
// concurrent use; callers that share a Window across goroutines must
// serialize access themselves (the reliability protocol does this with a
// per-connection lock, per its design).
package window

import "math/bits"

// Window is a circular bit-set of capacityBits() bits, indexed by a 64-bit
// sequence number, plus a 64-bit summary word used to answer earliest/latest
// queries in O(1) without scanning every word.
type Window struct {
	words       []uint64
	summary     uint64
	head        int64
	headWordNum int64
	nwords      int
}

// New creates a Window of the given capacity (in bits, must be a positive
// multiple of 64, and at most 64*64=4096 so the summary word can carry one
// bit per underlying word) with the given initial head. The window starts
// empty; Edge() is head-capacityBits+1.
func New(head int64, capacityBits int) *Window {
	if capacityBits <= 0 || capacityBits%64 != 0 {
		panic("window: capacity must be a positive multiple of 64")
	}
	nwords := capacityBits / 64
	if nwords > 64 {
		panic("window: capacity must be at most 4096 bits")
	}
	return &Window{
		words:       make([]uint64, nwords),
		head:        head,
		headWordNum: floorDiv(head, 64),
		nwords:      nwords,
	}
}

// CapacityBits returns the logical length of the window, in bits.
func (w *Window) CapacityBits() int { return w.nwords * 64 }

// Head returns the highest sequence number ever committed to the window.
func (w *Window) Head() int64 { return w.head }

// Edge returns the oldest sequence number still representable in the
// window; is_marked is always false below Edge.
func (w *Window) Edge() int64 { return w.head - int64(w.CapacityBits()) + 1 }

func (w *Window) summaryMask() uint64 {
	if w.nwords == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(w.nwords)) - 1
}

// physIndex maps an absolute word number to its slot in the circular words
// array.
func (w *Window) physIndex(wordNum int64) int {
	return int(floorMod(wordNum, int64(w.nwords)))
}

// wordAt returns the contents of the word k word-steps older than the word
// containing Head (k==0 is the word containing Head itself).
func (w *Window) wordAt(k int64) uint64 {
	return w.words[w.physIndex(w.headWordNum-k)]
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func (w *Window) inRange(s int64) bool {
	return s >= w.Edge() && s <= w.head
}

// Mark sets bit s. Precondition: Edge() <= s <= Head() and s is not already
// marked; violating either panics.
func (w *Window) Mark(s int64) {
	if !w.inRange(s) {
		panic("window: mark: seqno out of range")
	}
	wn := floorDiv(s, 64)
	bit := uint(floorMod(s, 64))
	idx := w.physIndex(wn)
	bitMask := uint64(1) << bit
	if w.words[idx]&bitMask != 0 {
		panic("window: mark: seqno already marked")
	}
	before := w.words[idx] == 0
	w.words[idx] |= bitMask
	if before {
		k := uint(w.headWordNum - wn)
		w.summary |= uint64(1) << k
	}
}

// Clear unmarks bit s. Precondition: s is marked.
func (w *Window) Clear(s int64) {
	if !w.inRange(s) {
		panic("window: clear: seqno out of range")
	}
	wn := floorDiv(s, 64)
	bit := uint(floorMod(s, 64))
	idx := w.physIndex(wn)
	bitMask := uint64(1) << bit
	if w.words[idx]&bitMask == 0 {
		panic("window: clear: seqno not marked")
	}
	w.words[idx] &^= bitMask
	if w.words[idx] == 0 {
		k := uint(w.headWordNum - wn)
		w.summary &^= uint64(1) << k
	}
}

// IsMarked reports whether s is marked. Out-of-range seqnos are reported as
// unmarked rather than panicking, so callers can use it as a cheap
// membership probe without bounds-checking first.
func (w *Window) IsMarked(s int64) bool {
	if !w.inRange(s) {
		return false
	}
	wn := floorDiv(s, 64)
	bit := uint(floorMod(s, 64))
	return w.words[w.physIndex(wn)]&(uint64(1)<<bit) != 0
}

// Advance moves Head forward by amount (amount >= 0), shifting the summary
// to reflect words that have fully rotated out of the window. Precondition:
// no sequence number that would fall off the back (i.e. leave [Edge(),
// Head()] as a result of the advance) may still be marked; violating this
// panics, since it would silently lose a mark.
func (w *Window) Advance(amount int64) {
	if amount < 0 {
		panic("window: advance: negative amount")
	}
	newHead := w.head + amount
	newHeadWordNum := floorDiv(newHead, 64)
	delta := newHeadWordNum - w.headWordNum
	if delta > 0 {
		if delta >= int64(w.nwords) {
			if w.summary != 0 {
				panic("window: advance: would drop marked seqno")
			}
		} else {
			dropMask := w.summaryMask() &^ ((uint64(1) << uint(int64(w.nwords)-delta)) - 1)
			if w.summary&dropMask != 0 {
				panic("window: advance: would drop marked seqno")
			}
			w.summary = (w.summary << uint(delta)) & w.summaryMask()
		}
	}
	w.head = newHead
	w.headWordNum = newHeadWordNum
}

// EarliestMarked returns the smallest marked sequence number, or ok=false if
// the window is empty.
func (w *Window) EarliestMarked() (s int64, ok bool) {
	if w.summary == 0 {
		return 0, false
	}
	k := int64(bits.Len64(w.summary) - 1)
	word := w.wordAt(k)
	bit := bits.TrailingZeros64(word)
	wordNum := w.headWordNum - k
	return wordNum*64 + int64(bit), true
}

func highestSetBitAtOrBelow(word uint64, bit uint) (uint, bool) {
	var masked uint64
	if bit == 63 {
		masked = word
	} else {
		masked = word & ((uint64(1) << (bit + 1)) - 1)
	}
	if masked == 0 {
		return 0, false
	}
	return uint(bits.Len64(masked) - 1), true
}

func lowestSetBitAtOrAbove(word uint64, bit uint) (uint, bool) {
	masked := word &^ ((uint64(1) << bit) - 1)
	if masked == 0 {
		return 0, false
	}
	return uint(bits.TrailingZeros64(masked)), true
}

// AtOrBefore returns s minus the most recent marked sequence number t <= s,
// or ok=false if no such t exists in the window.
func (w *Window) AtOrBefore(s int64) (delta int64, ok bool) {
	effS := s
	if effS > w.head {
		effS = w.head
	}
	if effS < w.Edge() {
		return 0, false
	}
	wn := floorDiv(effS, 64)
	bit := uint(floorMod(effS, 64))
	k0 := w.headWordNum - wn
	if hb, found := highestSetBitAtOrBelow(w.wordAt(k0), bit); found {
		t := wn*64 + int64(hb)
		return s - t, true
	}
	for k := k0 + 1; k < int64(w.nwords); k++ {
		if w.summary&(uint64(1)<<uint(k)) == 0 {
			continue
		}
		word := w.wordAt(k)
		hb := bits.Len64(word) - 1
		t := (w.headWordNum-k)*64 + int64(hb)
		return s - t, true
	}
	return 0, false
}

// AtOrAfter returns the first marked sequence number t >= s, or ok=false if
// no such t exists in the window.
func (w *Window) AtOrAfter(s int64) (t int64, ok bool) {
	effS := s
	if effS < w.Edge() {
		effS = w.Edge()
	}
	if effS > w.head {
		return 0, false
	}
	wn := floorDiv(effS, 64)
	bit := uint(floorMod(effS, 64))
	k0 := w.headWordNum - wn
	if lb, found := lowestSetBitAtOrAbove(w.wordAt(k0), bit); found {
		return wn*64 + int64(lb), true
	}
	for k := k0 - 1; k >= 0; k-- {
		if w.summary&(uint64(1)<<uint(k)) == 0 {
			continue
		}
		word := w.wordAt(k)
		lb := bits.TrailingZeros64(word)
		return (w.headWordNum-k)*64 + int64(lb), true
	}
	return 0, false
}

// GetMask returns a 64-bit value whose bit i equals IsMarked(p-63+i); bits
// corresponding to seqnos outside [Edge(), Head()] are zero.
func (w *Window) GetMask(p int64) uint64 {
	var mask uint64
	base := p - 63
	for i := uint(0); i < 64; i++ {
		s := base + int64(i)
		if w.IsMarked(s) {
			mask |= uint64(1) << i
		}
	}
	return mask
}

// MarkBulk marks the n consecutive sequence numbers starting at s. It
// panics if any of them are already marked, or if the range falls outside
// [Edge(), Head()].
func (w *Window) MarkBulk(s int64, n int) {
	if n <= 0 {
		return
	}
	end := s + int64(n) - 1
	if !w.inRange(s) || !w.inRange(end) {
		panic("window: mark bulk: range out of bounds")
	}
	for cur := s; cur <= end; {
		wn := floorDiv(cur, 64)
		bitStart := uint(floorMod(cur, 64))
		bitEnd := uint64(63)
		wnEnd := floorDiv(end, 64)
		if wn == wnEnd {
			bitEnd = uint64(floorMod(end, 64))
		}
		width := bitEnd - uint64(bitStart) + 1
		var wordMask uint64
		if width >= 64 {
			wordMask = ^uint64(0)
		} else {
			wordMask = ((uint64(1) << width) - 1) << bitStart
		}
		idx := w.physIndex(wn)
		if w.words[idx]&wordMask != 0 {
			panic("window: mark bulk: seqno already marked")
		}
		before := w.words[idx] == 0
		w.words[idx] |= wordMask
		if before {
			k := uint(w.headWordNum - wn)
			w.summary |= uint64(1) << k
		}
		cur = wn*64 + 64
	}
}

// NumMarked returns the number of currently marked sequence numbers. It is
// O(capacity/64) and intended for tests and diagnostics, not hot paths.
func (w *Window) NumMarked() int {
	n := 0
	for _, word := range w.words {
		n += bits.OnesCount64(word)
	}
	return n
}
