package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_Roundtrip(t *testing.T) {
	const base = 10071
	const capacityBits = 256 - 64 // 192, i.e. 3 words

	w := New(base-1, capacityBits)
	w.Advance(capacityBits)
	require.Equal(t, int64(base), w.Edge())
	require.Equal(t, int64(base+capacityBits-1), w.Head())

	for s := w.Edge(); s <= w.Head(); s++ {
		w.Mark(s)
	}

	earliest, ok := w.EarliestMarked()
	require.True(t, ok)
	assert.Equal(t, int64(base), earliest)

	w.Clear(base)
	earliest, ok = w.EarliestMarked()
	require.True(t, ok)
	assert.Equal(t, int64(base+1), earliest)

	w.Clear(base + 2)
	delta, ok := w.AtOrBefore(base + 2)
	require.True(t, ok)
	assert.Equal(t, int64(1), delta)
}

func TestWindow_MarkClearInvariants(t *testing.T) {
	w := New(99, 128)
	assert.False(t, w.IsMarked(50))
	assert.Panics(t, func() { w.Mark(200) }) // above head
	assert.Panics(t, func() { w.Mark(-100) }) // below edge

	w.Mark(99)
	assert.True(t, w.IsMarked(99))
	assert.Panics(t, func() { w.Mark(99) }) // already marked
	assert.Equal(t, 1, w.NumMarked())

	w.Clear(99)
	assert.False(t, w.IsMarked(99))
	assert.Panics(t, func() { w.Clear(99) }) // not marked
}

func TestWindow_SummaryTracksWordOccupancy(t *testing.T) {
	w := New(127, 128) // 2 words: word0 = [0,63], word1 = [64,127]
	w.Mark(10)
	w.Mark(70)
	// both words nonempty -> summary has 2 bits set
	assert.Equal(t, 2, popcountSummary(w))
	w.Clear(10)
	assert.Equal(t, 1, popcountSummary(w))
	w.Clear(70)
	assert.Equal(t, 0, popcountSummary(w))
}

func popcountSummary(w *Window) int {
	n := 0
	for s := w.summary; s != 0; s &= s - 1 {
		n++
	}
	return n
}

func TestWindow_Advance(t *testing.T) {
	w := New(63, 128)
	w.Mark(0)
	w.Mark(63)
	assert.Panics(t, func() { w.Advance(65) }) // would drop seqno 0

	w.Clear(0)
	w.Advance(64)
	assert.Equal(t, int64(127), w.Head())
	assert.Equal(t, int64(0), w.Edge())
	assert.True(t, w.IsMarked(63))

	w.Clear(63)
	w.Advance(1000)
	assert.Equal(t, 0, w.NumMarked())
	assert.False(t, w.IsMarked(63))
}

func TestWindow_AtOrBeforeAndAfter(t *testing.T) {
	w := New(199, 256)
	w.Mark(100)
	w.Mark(150)

	delta, ok := w.AtOrBefore(160)
	require.True(t, ok)
	assert.Equal(t, int64(10), delta) // 160-150

	delta, ok = w.AtOrBefore(120)
	require.True(t, ok)
	assert.Equal(t, int64(20), delta) // 120-100

	_, ok = w.AtOrBefore(99)
	assert.False(t, ok)

	t2, ok := w.AtOrAfter(120)
	require.True(t, ok)
	assert.Equal(t, int64(150), t2)

	t2, ok = w.AtOrAfter(80)
	require.True(t, ok)
	assert.Equal(t, int64(100), t2)

	_, ok = w.AtOrAfter(151)
	assert.False(t, ok)
}

func TestWindow_GetMask(t *testing.T) {
	w := New(199, 256)
	w.Mark(150)
	w.Mark(137)

	mask := w.GetMask(150)
	// bit i corresponds to seqno 150-63+i, i.e. bit 63 == seqno 150, bit 50 == seqno 137
	assert.NotZero(t, mask&(1<<63))
	assert.NotZero(t, mask&(1<<50))
	assert.Equal(t, uint64(2), popcountU64(mask))
}

func popcountU64(v uint64) uint64 {
	var n uint64
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func TestWindow_MarkBulk(t *testing.T) {
	w := New(199, 256)
	w.MarkBulk(100, 70) // spans word boundary at 128/64*64
	for s := int64(100); s < 170; s++ {
		assert.True(t, w.IsMarked(s), "seqno %d", s)
	}
	assert.Equal(t, 70, w.NumMarked())
	assert.Panics(t, func() { w.MarkBulk(100, 1) }) // already marked
}
