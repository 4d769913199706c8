package shaper

import (
	"testing"
	"time"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/proto"
	"github.com/fastpass-project/fastpass/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *proto.Conn {
	t.Helper()
	now := time.Unix(0, 0)
	return proto.NewConn(proto.RoleEndpoint, 1000, now, time.Second, 100*time.Millisecond, proto.Callbacks{})
}

func TestEnqueuePacketMarksUnrequested(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	s.EnqueuePacket(netid.ID(5), 2)

	f := s.Flows().Get(netid.ID(5))
	require.NotNil(t, f)
	assert.Equal(t, int64(2), f.Demand)

	dsts := s.Flows().DequeueUnrequested(15)
	assert.Equal(t, []netid.ID{5}, dsts)
}

// MaybeSendRequest's pacer only fires once its armed time arrives: a call
// that finds no event armed yet arms one (and reports not-due), so tests
// drive it in two steps — arm, then call again once the armed time has
// passed.

func TestMaybeSendRequestBuildsEntriesAndCapsWindow(t *testing.T) {
	const cost, maxCredit, minGap = 10 * time.Millisecond, 100 * time.Millisecond, time.Millisecond
	now := time.Unix(0, 0)
	s := New(newTestConn(t), 15, now, cost, maxCredit, minGap)
	s.EnqueuePacket(netid.ID(1), RequestWindow+100)

	_, ok := s.MaybeSendRequest(now)
	require.False(t, ok, "first call only arms the pacer")

	pd, ok := s.MaybeSendRequest(now.Add(cost))
	require.True(t, ok)
	require.Len(t, pd.AReq, 1)
	assert.Equal(t, uint16(1), pd.AReq[0].Dst)
	assert.Equal(t, uint16(RequestWindow-1), pd.AReq[0].CumulativeCount)
}

func TestMaybeSendRequestSkipsAlreadySatisfiedFlow(t *testing.T) {
	const cost, maxCredit, minGap = 10 * time.Millisecond, 100 * time.Millisecond, time.Millisecond
	now := time.Unix(0, 0)
	s := New(newTestConn(t), 15, now, cost, maxCredit, minGap)
	s.EnqueuePacket(netid.ID(1), 5)
	f := s.Flows().GetOrCreate(netid.ID(1))
	f.Acked = 5 // already fully acked, shouldn't be re-requested

	s.MaybeSendRequest(now)
	_, ok := s.MaybeSendRequest(now.Add(cost))
	assert.False(t, ok)
}

func TestMaybeSendRequestRespectsPacerGap(t *testing.T) {
	const cost, maxCredit, minGap = 10 * time.Millisecond, 100 * time.Millisecond, 50 * time.Millisecond
	t0 := time.Unix(0, 0)
	s := New(newTestConn(t), 15, t0, cost, maxCredit, minGap)
	s.EnqueuePacket(netid.ID(1), 3)

	s.MaybeSendRequest(t0)
	firstFireAt := t0.Add(minGap) // minGap dominates cost here
	_, ok := s.MaybeSendRequest(firstFireAt)
	require.True(t, ok)

	s.EnqueuePacket(netid.ID(2), 1)
	s.MaybeSendRequest(firstFireAt)
	secondFireAt := firstFireAt.Add(minGap)
	_, ok = s.MaybeSendRequest(firstFireAt.Add(minGap / 2))
	assert.False(t, ok, "second request before min_gap elapses should not fire")

	_, ok = s.MaybeSendRequest(secondFireAt)
	assert.True(t, ok)
}

func TestReconstructTimeslotPicksNearestCandidate(t *testing.T) {
	current := int64(1_000_000)
	wireLow := uint64(current) & ((1 << 12) - 1)
	got := reconstructTimeslot(wireLow, current)
	assert.Equal(t, current, got)
}

func TestHandleAllocAppliesGrantsAndSkips(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	s.currentTslot = 100
	s.Flows().GetOrCreate(netid.ID(7))

	a := wire.Alloc{
		BaseTslot: uint16(100 & 0x0fff),
		Dsts:      []uint16{7},
		Grants: []wire.AllocGrant{
			{DstIndex: 1, Gap: 0},
		},
	}
	s.HandleAlloc(a)

	f := s.Flows().Get(netid.ID(7))
	require.NotNil(t, f)
	assert.Equal(t, int64(1), f.Alloc)
}

func TestHandleAllocRejectsFarFutureGrant(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	s.currentTslot = 0

	// Each skip grant advances cumGap by 256 (16*(gap+1), gap=15); enough
	// of them push the real grant's timeslot well past MaxPreload.
	grants := make([]wire.AllocGrant, 0, 1100)
	for i := 0; i < 1100; i++ {
		grants = append(grants, wire.AllocGrant{DstIndex: 0, Gap: 15})
	}
	grants = append(grants, wire.AllocGrant{DstIndex: 1, Gap: 0})

	a := wire.Alloc{
		BaseTslot: 0,
		Dsts:      []uint16{3},
		Grants:    grants,
	}
	s.HandleAlloc(a)
	assert.Nil(t, s.Flows().Get(netid.ID(3)))
}

func TestAdvanceTimeslotReleasesDueAllocation(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	f := s.Flows().GetOrCreate(netid.ID(4))
	f.Demand = 1
	f.Alloc = 1
	s.alloc[0] = netid.ID(4)

	var released []netid.ID
	s.AdvanceTimeslot(0, 0, int64(time.Millisecond), func(dst netid.ID) {
		released = append(released, dst)
	})

	assert.Equal(t, []netid.ID{4}, released)
	assert.Equal(t, int64(1), f.Used)
}

func TestAdvanceTimeslotForcesResetOnLargeBackwardJump(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	s.currentTslot = 1000
	s.AdvanceTimeslot(10, 0, int64(time.Millisecond), nil)
	assert.Equal(t, uint64(1), s.metrics.ForcedResets)
}

func TestReconcileAllocReportAdvancesCountersOnGap(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	f := s.Flows().GetOrCreate(netid.ID(2))
	f.Requested = 10
	f.Alloc = 3
	f.Demand = 3
	f.Used = 3

	err := s.ReconcileAllocReport(netid.ID(2), uint16(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.Alloc)
	assert.Equal(t, int64(5), f.Used)
	assert.Equal(t, int64(5), f.Demand)
}

func TestReconcileAllocReportRejectsOverRequested(t *testing.T) {
	s := New(newTestConn(t), 15, time.Unix(0, 0), 10*time.Millisecond, 100*time.Millisecond, time.Millisecond)
	f := s.Flows().GetOrCreate(netid.ID(2))
	f.Requested = 3
	f.Alloc = 1

	err := s.ReconcileAllocReport(netid.ID(2), uint16(9))
	assert.ErrorIs(t, err, errInvariantViolation)
}
