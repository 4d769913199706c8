// Package bigmap implements a two-level bitmap of up to 4096 bits: a
// bottom level of 64 64-bit words and a top-level 64-bit summary word
// where bit i is set iff word i is nonzero. It gives O(1) set/clear/test
// and O(1) (two TrailingZeros64 calls) find-any.
package bigmap

import "math/bits"

// Capacity is the largest bit index this map supports, plus one.
const Capacity = 64 * 64

// Map is a two-level bitmap tracking which of up to Capacity indices are
// set, used by the shaper to track which destinations have pending
// demand.
type Map struct {
	words   [64]uint64
	summary uint64
}

// Set marks bit i.
func (m *Map) Set(i int) {
	w, b := i/64, uint(i%64)
	m.words[w] |= 1 << b
	m.summary |= 1 << uint(w)
}

// Clear unmarks bit i, clearing the summary bit for its word if the word
// went fully to zero.
func (m *Map) Clear(i int) {
	w, b := i/64, uint(i%64)
	m.words[w] &^= 1 << b
	if m.words[w] == 0 {
		m.summary &^= 1 << uint(w)
	}
}

// IsSet reports whether bit i is marked.
func (m *Map) IsSet(i int) bool {
	w, b := i/64, uint(i%64)
	return m.words[w]&(1<<b) != 0
}

// Empty reports whether no bit is set.
func (m *Map) Empty() bool {
	return m.summary == 0
}

// FindAny returns a set bit index and true, or (0, false) if the map is
// empty. It locates the index with two TrailingZeros64 calls: one over
// the summary to find a nonzero word, one over that word to find a set
// bit within it.
func (m *Map) FindAny() (int, bool) {
	if m.summary == 0 {
		return 0, false
	}
	w := bits.TrailingZeros64(m.summary)
	b := bits.TrailingZeros64(m.words[w])
	return w*64 + b, true
}
