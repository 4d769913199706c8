package shaper

import (
	"time"

	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/pacer"
	"github.com/fastpass-project/fastpass/proto"
	"github.com/fastpass-project/fastpass/wire"
)

// RequestWindow is REQUEST_WINDOW from §4.4.2: a request's new_requested
// value is capped at acked+RequestWindow-1, sized to fit the 16-bit wire
// count with room for wraparound reconstruction.
const RequestWindow = 8192

// AllocWindowSize bounds how many allocation descriptors the endpoint
// keeps pending at once before forcing a reset, per §4.4.3 step 3.
const AllocWindowSize = 4096

// MissThreshold and MaxPreload bound how stale or how far ahead a grant
// may be before it is rejected, per §4.4.3 step 2.
const (
	MissThreshold = 64
	MaxPreload    = 1 << 18
)

// Shaper is the endpoint traffic-shaper state machine: it turns queued
// demand into A-REQ packets (paced) and turns ALLOC grants into
// transmit opportunities.
type Shaper struct {
	conn  *proto.Conn
	flows *Table
	pacer *pacer.Pacer

	maxAReqEntries int
	currentTslot   int64

	// alloc is the endpoint's allocation window: timeslot -> destination
	// granted that timeslot, awaiting use.
	alloc map[int64]netid.ID

	metrics Metrics
}

// Metrics holds the endpoint-side failure counters (the shaper variant
// of comm_log.h).
type Metrics struct {
	MissedTimeslots uint64
	LateGrants      uint64
	FarFutureGrants uint64
	ForcedResets    uint64
}

// New builds a Shaper over an already-constructed reliability connection.
func New(conn *proto.Conn, maxAReqEntries int, now time.Time, requestCost, requestMaxCredit, requestMinGap time.Duration) *Shaper {
	return &Shaper{
		conn:           conn,
		flows:          NewTable(),
		pacer:          pacer.New(now, requestCost, requestMaxCredit, requestMinGap),
		maxAReqEntries: maxAReqEntries,
		alloc:          make(map[int64]netid.ID),
	}
}

// Flows exposes the shaper's flow table (e.g. for packet classification
// on the enqueue path).
func (s *Shaper) Flows() *Table { return s.flows }

// Metrics returns a snapshot of the shaper's failure counters, for
// periodic export.
func (s *Shaper) Metrics() Metrics { return s.metrics }

// EnqueuePacket folds one outgoing packet occupying n timeslots' worth
// of link-rate credit into dst's demand, per §4.4.1.
func (s *Shaper) EnqueuePacket(dst netid.ID, timeslotsOccupied int64) {
	s.flows.AddDemand(dst, timeslotsOccupied)
}

// MaybeSendRequest arms the pacer if there is unrequested demand, and on
// a pacer trigger, builds and returns an A-REQ packet descriptor ready
// for Conn.CommitPacket/EncodePacket, per §4.4.2.
func (s *Shaper) MaybeSendRequest(now time.Time) (*proto.PacketDescriptor, bool) {
	s.pacer.Trigger(now)
	at, armed := s.pacer.NextEvent()
	if !armed || at.After(now) {
		return nil, false
	}

	dsts := s.flows.DequeueUnrequested(s.maxAReqEntries)
	if len(dsts) == 0 {
		s.pacer.Fire()
		return nil, false
	}

	entries := make([]wire.AReqEntry, 0, len(dsts))
	for _, dst := range dsts {
		f := s.flows.Get(dst)
		if f == nil {
			continue
		}
		newRequested := f.Demand
		if cap := f.Acked + RequestWindow - 1; newRequested > cap {
			newRequested = cap
		}
		if newRequested <= f.Acked {
			continue
		}
		f.Requested = newRequested
		entries = append(entries, wire.AReqEntry{
			Dst:             uint16(dst),
			CumulativeCount: uint16(newRequested),
		})
	}
	s.pacer.Fire()

	if len(entries) == 0 {
		return nil, false
	}

	s.conn.PrepareToSend(now)
	return &proto.PacketDescriptor{AReq: entries}, true
}

// HandleAlloc reconstructs and applies an ALLOC payload's grants, per
// §4.4.3.
func (s *Shaper) HandleAlloc(a wire.Alloc) {
	base := reconstructTimeslot(uint64(a.BaseTslot), s.currentTslot)

	cumGap := int64(0)
	for _, g := range a.Grants {
		if g.DstIndex == 0 {
			cumGap += 16 * (int64(g.Gap) + 1)
			continue
		}
		ts := base + cumGap
		cumGap += int64(g.Gap) + 1

		idx := int(g.DstIndex) - 1
		if idx < 0 || idx >= len(a.Dsts) {
			continue
		}
		dst := netid.ID(a.Dsts[idx])

		if ts < s.currentTslot-MissThreshold {
			s.metrics.LateGrants++
			continue
		}
		if ts > s.currentTslot+MaxPreload {
			s.metrics.FarFutureGrants++
			continue
		}

		s.alloc[ts] = dst
		if f := s.flows.GetOrCreate(dst); f != nil {
			f.Alloc++
		}
	}

	if len(s.alloc) > AllocWindowSize {
		s.conn.ForceReset(uint64(time.Now().UnixNano()), time.Now())
		s.metrics.ForcedResets++
	}
}

// reconstructTimeslot reconstructs the full 64-bit timeslot of an ALLOC
// payload's base_tslot field from its 12 usable wire bits (wire.Alloc's
// BaseTslot is masked to 0x0fff, matching §4.2.1's wire layout), picking
// the first candidate at or after current-2^10, per §4.4.3 step 1: the
// result lies at most 2^10 timeslots behind current and less than 3*2^10
// ahead of it. Grants after the base walk forward from it by plain
// cumulative gap arithmetic, so only the base itself needs wraparound
// reconstruction.
func reconstructTimeslot(wireLow12 uint64, current int64) int64 {
	const mask12 = (uint64(1) << 12) - 1
	wireLow12 &= mask12
	anchor := uint64(current) - (1 << 10)
	return int64(anchor + ((wireLow12 - anchor) & mask12))
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// AdvanceTimeslot implements §4.4.4's periodic tick: it releases one
// packet per allocation whose timeslot has just arrived (if the flow's
// used < alloc), reissues demand for missed timeslots, and drops every
// visited slot whose timeslot is now before newCurrent.
func (s *Shaper) AdvanceTimeslot(newCurrent int64, devBacklogNs, maxDevBacklogNs int64, release func(dst netid.ID)) {
	if newCurrent < s.currentTslot-64 {
		s.conn.ForceReset(uint64(time.Now().UnixNano()), time.Now())
		s.metrics.ForcedResets++
		s.currentTslot = newCurrent
		return
	}

	for ts := s.currentTslot; ts <= newCurrent; ts++ {
		dst, ok := s.alloc[ts]
		if !ok {
			continue
		}
		f := s.flows.Get(dst)
		if f == nil {
			delete(s.alloc, ts)
			continue
		}
		switch {
		case f.Used < f.Alloc:
			if ts < newCurrent-MissThreshold {
				// too stale to still release: the grant was dropped or
				// never transmitted in time, so reissue the demand.
				s.metrics.MissedTimeslots++
				f.Demand++
				s.flows.Requeue(dst)
			} else if devBacklogNs < maxDevBacklogNs {
				if release != nil {
					release(dst)
				}
				f.Used++
			}
		case ts < newCurrent && f.Used == f.Demand:
			// stale and fully served; drop.
		}
		if ts < newCurrent {
			delete(s.alloc, ts)
		}
	}
	s.currentTslot = newCurrent
}

// ReconcileAllocReport applies a periodic "total allocated so far" report
// from the arbiter, per §4.4.5.
func (s *Shaper) ReconcileAllocReport(dst netid.ID, wireReport uint16) error {
	f := s.flows.Get(dst)
	if f == nil {
		return nil
	}
	report := reconstructCount(wireReport, f.Alloc)
	switch {
	case report > f.Requested:
		s.conn.ForceReset(uint64(time.Now().UnixNano()), time.Now())
		s.metrics.ForcedResets++
		return errInvariantViolation
	case report > f.Alloc:
		lost := report - f.Alloc
		f.Alloc += lost
		f.Used += lost
		f.Demand += lost
		s.flows.Requeue(dst)
	}
	return nil
}

// reconstructCount reconstructs a 64-bit cumulative count from its
// 16-bit wire form, picking the candidate nearest local (within 2^15 on
// either side), per §4.4.5.
func reconstructCount(wireLow16 uint16, local int64) int64 {
	const mask16 = uint64(1)<<16 - 1
	base := (uint64(local) - (1 << 15)) &^ mask16
	candidate := base | uint64(wireLow16)
	best := candidate
	bestDelta := absInt64(int64(candidate) - local)
	for _, cand := range [2]uint64{candidate + mask16 + 1, candidate - (mask16 + 1)} {
		if d := absInt64(int64(cand) - local); d < bestDelta {
			best, bestDelta = cand, d
		}
	}
	return int64(best)
}
