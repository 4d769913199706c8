package sched

import (
	"testing"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/stretchr/testify/assert"
)

// TestSingleWorkerScenarioNoContention exercises the single-worker
// allocator scenario from §8 ("N=1, BATCH_SIZE=8, NUM_BINS=64,
// MAX_NODES=16"): demands (0,1,3), (0,2,2), (2,1,1) fed into one batch.
// It checks the scheduler invariant that every source and every
// destination appears at most once per timeslot, and that every unit of
// backlog is either admitted or correctly left pending.
func TestSingleWorkerScenarioNoContention(t *testing.T) {
	bs := NewBatchState(8, false)

	type demand struct {
		src, dst netid.ID
		count    int64
	}
	demands := []demand{
		{0, 1, 3},
		{0, 2, 2},
		{2, 1, 1},
	}

	total := int64(0)
	for _, d := range demands {
		fs := &FlowState{}
		fs.AddBacklog(d.count)
		flow := netid.Flow{Src: d.src, Dst: d.dst}
		remaining := TryAllocate(bs, fs, flow, 0, nil)
		total += d.count - remaining
	}

	admitted := int64(0)
	for slot, pairs := range bs.Admitted {
		seenSrc := make(map[netid.ID]bool)
		seenDst := make(map[netid.ID]bool)
		for _, a := range pairs {
			assert.False(t, seenSrc[a.Src], "source %v repeated in timeslot %d", a.Src, slot)
			assert.False(t, seenDst[a.Dst], "destination %v repeated in timeslot %d", a.Dst, slot)
			seenSrc[a.Src] = true
			seenDst[a.Dst] = true
			admitted++
		}
	}
	assert.Equal(t, total, admitted)
	assert.LessOrEqual(t, admitted, int64(6))
}
