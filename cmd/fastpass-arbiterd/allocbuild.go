package main

import (
	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/wire"
)

// pendingGrant is one not-yet-sent admission destined for a single peer,
// keyed by the absolute timeslot it was admitted for.
type pendingGrant struct {
	dst netid.ID
	ts  int64
}

// buildAllocBatch turns up to wire.MaxAllocDsts distinct destinations'
// worth of pending grants into an encodable ALLOC payload, inverting the
// cumulative-gap walk shaper.HandleAlloc decodes: the first item's
// timeslot becomes BaseTslot directly (so no filler precedes it), and the
// gap between each consecutive pair is realized as the departing real
// entry's own Gap field (1-16) plus as many 16-multiple skip entries as
// needed to cover the remainder. Items not included (beyond the dst cap)
// are returned unconsumed for the next batch.
func buildAllocBatch(items []pendingGrant) (wire.Alloc, []pendingGrant) {
	if len(items) == 0 {
		return wire.Alloc{}, nil
	}

	// maxItemsPerBatch caps the real grant entries per batch. Skip entries
	// come on top of these (a gap over 16 timeslots needs one or more
	// 16-multiple fillers), so grants spread very far apart can still take
	// the batch past MaxAllocTslotBytes.
	const maxItemsPerBatch = 32

	dstIndex := make(map[netid.ID]byte, wire.MaxAllocDsts)
	var dsts []uint16
	n := 0
	for n < len(items) && n < maxItemsPerBatch {
		d := items[n].dst
		if _, ok := dstIndex[d]; !ok {
			if len(dsts) >= wire.MaxAllocDsts {
				break
			}
			dstIndex[d] = byte(len(dsts) + 1)
			dsts = append(dsts, uint16(d))
		}
		n++
	}
	used, rest := items[:n], items[n:]

	base := used[0].ts
	grants := make([]wire.AllocGrant, 0, n)
	for i, it := range used {
		grants = append(grants, wire.AllocGrant{DstIndex: dstIndex[it.dst]})
		if i == len(used)-1 {
			continue // trailing Gap is unused, left zero
		}
		inc := used[i+1].ts - it.ts
		small := ((inc - 1) % 16) + 1
		grants[i].Gap = byte(small - 1)
		skipTotal := inc - small
		for skipTotal > 0 {
			step := skipTotal
			if step > 256 {
				step = 256
			}
			grants = append(grants, wire.AllocGrant{DstIndex: 0, Gap: byte(step/16 - 1)})
			skipTotal -= step
		}
	}

	return wire.Alloc{BaseTslot: uint16(base) & 0x0fff, Dsts: dsts, Grants: grants}, rest
}
