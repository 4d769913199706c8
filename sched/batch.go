package sched

import (
	"math/bits"

	"github.com/fastpass-project/fastpass/netid"
)

// Admission is one (source, destination) pair granted a specific
// timeslot within a batch.
type Admission struct {
	Src netid.ID
	Dst netid.ID
}

// BatchState tracks, for one in-flight batch of BatchSize timeslots,
// which timeslots remain available to each endpoint and (when the
// topology is oversubscribed) to each rack, per §4.3.
type BatchState struct {
	BatchSize   int
	Oversub     bool
	AllowedMask uint64 // bit t set => timeslot t has not yet been output

	srcFree map[netid.ID]uint64
	dstFree map[netid.ID]uint64

	srcRackFree  map[uint16]uint64
	dstRackFree  map[uint16]uint64
	srcRackCount map[uint16][]int
	dstRackCount map[uint16][]int

	outOfBoundaryCount []int

	Admitted [][]Admission // Admitted[t] is the set of pairs granted timeslot t
}

// NewBatchState initializes per-batch state for a batch of batchSize
// timeslots: every endpoint available for every timeslot, per §4.3.2
// step 2. Rack tables start empty; a rack is limited only once
// RackCapacity has configured it.
func NewBatchState(batchSize int, oversub bool) *BatchState {
	allOnes := uint64(1)<<uint(batchSize) - 1
	bs := &BatchState{
		BatchSize:   batchSize,
		Oversub:     oversub,
		AllowedMask: allOnes,
		srcFree:     make(map[netid.ID]uint64),
		dstFree:     make(map[netid.ID]uint64),
		Admitted:    make([][]Admission, batchSize),
	}
	if oversub {
		bs.srcRackFree = make(map[uint16]uint64)
		bs.dstRackFree = make(map[uint16]uint64)
		bs.srcRackCount = make(map[uint16][]int)
		bs.dstRackCount = make(map[uint16][]int)
	}
	bs.outOfBoundaryCount = make([]int, batchSize)
	for t := range bs.outOfBoundaryCount {
		bs.outOfBoundaryCount[t] = batchSize // capacity; adjusted by caller if needed
	}
	return bs
}

func (bs *BatchState) free(m map[netid.ID]uint64, id netid.ID) uint64 {
	v, ok := m[id]
	if !ok {
		return uint64(1)<<uint(bs.BatchSize) - 1
	}
	return v
}

// RackCapacity sets the inter-rack capacity counters used when Oversub is
// true; callers configure these once per batch from the topology before
// admitting any flow.
func (bs *BatchState) RackCapacity(srcRack, dstRack uint16, capacityPerTslot int) {
	if !bs.Oversub {
		return
	}
	if _, ok := bs.srcRackCount[srcRack]; !ok {
		bs.srcRackCount[srcRack] = make([]int, bs.BatchSize)
		for i := range bs.srcRackCount[srcRack] {
			bs.srcRackCount[srcRack][i] = capacityPerTslot
		}
		bs.srcRackFree[srcRack] = uint64(1)<<uint(bs.BatchSize) - 1
	}
	if _, ok := bs.dstRackCount[dstRack]; !ok {
		bs.dstRackCount[dstRack] = make([]int, bs.BatchSize)
		for i := range bs.dstRackCount[dstRack] {
			bs.dstRackCount[dstRack][i] = capacityPerTslot
		}
		bs.dstRackFree[dstRack] = uint64(1)<<uint(bs.BatchSize) - 1
	}
}

// RackOf resolves the rack id of an endpoint; the arbiter wires this from
// the topology package. OutOfBoundary destinations have no rack.
type RackOf func(netid.ID) (uint16, bool)

// TryAllocate attempts to grant as many of the flow's backlog timeslots
// as the batch's remaining availability allows, per §4.3.4. It mutates
// fs's backlog and last-alloc hint, and bs's availability masks and
// Admitted lists. It returns the remaining backlog (zero if fully
// satisfied within this batch).
func TryAllocate(bs *BatchState, fs *FlowState, flow netid.Flow, batchStart int64, rackOf RackOf) int64 {
	for {
		b := fs.Backlog()
		if b <= 0 {
			return 0
		}
		avail := bs.AllowedMask & bs.free(bs.srcFree, flow.Src) & bs.free(bs.dstFree, flow.Dst)
		if bs.Oversub {
			if sr, ok := rackOf(flow.Src); ok {
				avail &= bs.free2(bs.srcRackFree, sr)
			}
			if flow.Dst != netid.OutOfBoundary {
				if dr, ok := rackOf(flow.Dst); ok {
					avail &= bs.free2(bs.dstRackFree, dr)
				}
			}
		}
		if avail == 0 {
			return b
		}
		t := bits.TrailingZeros64(avail)

		bs.srcFree[flow.Src] = bs.free(bs.srcFree, flow.Src) &^ (1 << uint(t))
		bs.dstFree[flow.Dst] = bs.free(bs.dstFree, flow.Dst) &^ (1 << uint(t))

		if flow.Dst == netid.OutOfBoundary {
			bs.outOfBoundaryCount[t]--
			if bs.outOfBoundaryCount[t] == 0 {
				bs.dstFree[netid.OutOfBoundary] = bs.free(bs.dstFree, netid.OutOfBoundary) &^ (1 << uint(t))
			}
		}
		if bs.Oversub {
			if sr, ok := rackOf(flow.Src); ok {
				bs.decrementRack(bs.srcRackCount, bs.srcRackFree, sr, t)
			}
			if flow.Dst != netid.OutOfBoundary {
				if dr, ok := rackOf(flow.Dst); ok {
					bs.decrementRack(bs.dstRackCount, bs.dstRackFree, dr, t)
				}
			}
		}

		bs.Admitted[t] = append(bs.Admitted[t], Admission{Src: flow.Src, Dst: flow.Dst})
		fs.SetLastAlloc(batchStart + int64(t))
		b = fs.AddBacklog(-1)
		if b < 0 {
			panic("sched: flow backlog underflow")
		}
	}
}

func (bs *BatchState) free2(m map[uint16]uint64, rack uint16) uint64 {
	v, ok := m[rack]
	if !ok {
		return uint64(1)<<uint(bs.BatchSize) - 1
	}
	return v
}

func (bs *BatchState) decrementRack(counts map[uint16][]int, free map[uint16]uint64, rack uint16, t int) {
	c, ok := counts[rack]
	if !ok {
		return
	}
	c[t]--
	if c[t] == 0 {
		free[rack] = bs.free2(free, rack) &^ (1 << uint(t))
	}
}

// OutputTimeslot marks timeslot t as output, forbidding any further
// allocation into it by later urgent-message processing, per §4.3.2
// step 7's "allowed_mask <<= 1" rule generalised to an explicit bit
// clear (equivalent for a single timeslot).
func (bs *BatchState) OutputTimeslot(t int) {
	bs.AllowedMask &^= 1 << uint(t)
}
