package sched

import (
	"testing"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/stretchr/testify/assert"
)

func TestTryAllocateGrantsUpToAvailability(t *testing.T) {
	bs := NewBatchState(8, false)
	fs := &FlowState{}
	fs.AddBacklog(3)
	flow := netid.Flow{Src: netid.ID(1), Dst: netid.ID(2)}

	remaining := TryAllocate(bs, fs, flow, 100, nil)
	assert.Equal(t, int64(0), remaining)
	assert.Equal(t, int64(0), fs.Backlog())

	total := 0
	for _, a := range bs.Admitted {
		total += len(a)
	}
	assert.Equal(t, 3, total)
}

func TestTryAllocateStopsWhenSourceExhausted(t *testing.T) {
	bs := NewBatchState(2, false) // only 2 timeslots total
	fs := &FlowState{}
	fs.AddBacklog(5)
	flow := netid.Flow{Src: netid.ID(1), Dst: netid.ID(2)}

	remaining := TryAllocate(bs, fs, flow, 0, nil)
	assert.Equal(t, int64(3), remaining)
	assert.Equal(t, int64(3), fs.Backlog())
}

func TestTryAllocateRespectsDestinationContention(t *testing.T) {
	bs := NewBatchState(4, false)
	fsA := &FlowState{}
	fsA.AddBacklog(4)
	fsB := &FlowState{}
	fsB.AddBacklog(4)
	flowA := netid.Flow{Src: netid.ID(1), Dst: netid.ID(9)}
	flowB := netid.Flow{Src: netid.ID(2), Dst: netid.ID(9)}

	TryAllocate(bs, fsA, flowA, 0, nil)
	remainingB := TryAllocate(bs, fsB, flowB, 0, nil)
	assert.Equal(t, int64(4), remainingB) // dst fully consumed by flowA
}

func TestOutputTimeslotForbidsFurtherAllocation(t *testing.T) {
	bs := NewBatchState(4, false)
	bs.OutputTimeslot(0)
	bs.OutputTimeslot(1)
	assert.Equal(t, uint64(0b1100), bs.AllowedMask)
}
