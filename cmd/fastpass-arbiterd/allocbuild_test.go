package main

import (
	"testing"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeGrants replays the same cumulative-gap walk shaper.HandleAlloc uses,
// so the encoder can be checked against its actual consumer rather than a
// reimplementation of the wire format.
func decodeGrants(a wire.Alloc) []pendingGrant {
	var out []pendingGrant
	base := int64(a.BaseTslot)
	cumGap := int64(0)
	for _, g := range a.Grants {
		if g.DstIndex == 0 {
			cumGap += 16 * (int64(g.Gap) + 1)
			continue
		}
		ts := base + cumGap
		cumGap += int64(g.Gap) + 1
		idx := int(g.DstIndex) - 1
		out = append(out, pendingGrant{dst: netid.ID(a.Dsts[idx]), ts: ts})
	}
	return out
}

func TestBuildAllocBatchRoundTrip(t *testing.T) {
	items := []pendingGrant{
		{dst: 1, ts: 1000},
		{dst: 2, ts: 1001},
		{dst: 1, ts: 1002},
		{dst: 3, ts: 1050},
		{dst: 2, ts: 1400},
	}

	a, rest := buildAllocBatch(items)
	assert.Empty(t, rest)

	got := decodeGrants(a)
	require.Len(t, got, len(items))
	for i, want := range items {
		assert.Equal(t, want, got[i], "entry %d", i)
	}
}

func TestBuildAllocBatchSingleEntry(t *testing.T) {
	items := []pendingGrant{{dst: 7, ts: 42}}
	a, rest := buildAllocBatch(items)
	assert.Empty(t, rest)
	got := decodeGrants(a)
	require.Len(t, got, 1)
	assert.Equal(t, items[0], got[0])
}

func TestBuildAllocBatchCapsAtMaxDsts(t *testing.T) {
	items := make([]pendingGrant, 0, wire.MaxAllocDsts+3)
	for i := 0; i < wire.MaxAllocDsts+3; i++ {
		items = append(items, pendingGrant{dst: netid.ID(i), ts: int64(1000 + i)})
	}

	a, rest := buildAllocBatch(items)
	assert.LessOrEqual(t, len(a.Dsts), wire.MaxAllocDsts)
	assert.NotEmpty(t, rest, "destinations beyond the cap must be deferred to the next batch")

	got := decodeGrants(a)
	assert.Equal(t, items[:len(got)], got)
}

func TestBuildAllocBatchEmpty(t *testing.T) {
	a, rest := buildAllocBatch(nil)
	assert.Nil(t, rest)
	assert.Empty(t, a.Grants)
}

func TestBuildAllocBatchEncodesWithinWireLimits(t *testing.T) {
	items := []pendingGrant{
		{dst: 1, ts: 0},
		{dst: 1, ts: 5000}, // large gap, forces several skip entries
	}
	a, _ := buildAllocBatch(items)
	buf := make([]byte, 1400)
	n, err := wire.EncodeAlloc(buf, a.BaseTslot, a.Dsts, a.Grants)
	require.NoError(t, err)

	decoded, m, err := wire.DecodeAlloc(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, n, m)
	assert.Equal(t, a.BaseTslot, decoded.BaseTslot)
	assert.Equal(t, a.Dsts, decoded.Dsts)
	assert.Equal(t, a.Grants, decoded.Grants)

	got := decodeGrants(decoded)
	assert.Equal(t, items, got)
}
