// Package shaper implements the endpoint traffic-shaper state machine:
// per-destination demand/request/ack/alloc/use counters, a request pacer,
// grant reconciliation, and timeslot advance, per §4.4.
package shaper

import (
	"sync"

	"github.com/fastpass-project/fastpass/bigmap"
	"github.com/fastpass-project/fastpass/netid"
)

// Flow is one endpoint-side destination's demand/request/ack/alloc/use
// state. Invariant: used <= alloc <= demand and acked <= requested <=
// demand.
type Flow struct {
	Dst netid.ID

	Demand    int64
	Requested int64
	Acked     int64
	Alloc     int64
	Used      int64
}

// Table is the endpoint's flow table, keyed by destination node id.
type Table struct {
	mu    sync.Mutex
	flows map[netid.ID]*Flow
	// unreq holds destinations with requested < demand, in FIFO order, so
	// the request path can dequeue the longest-waiting flows first.
	unreq []netid.ID
	// pending mirrors membership of unreq as a bitmap, for an O(1)
	// "already queued" test instead of scanning unreq on every AddDemand.
	// Destinations at or beyond bigmap.Capacity are not tracked here;
	// isPending falls back to a linear scan of unreq for those.
	pending bigmap.Map
}

// NewTable builds an empty flow table.
func NewTable() *Table {
	return &Table{flows: make(map[netid.ID]*Flow)}
}

// GetOrCreate returns dst's Flow, creating it lazily on first demand.
func (t *Table) GetOrCreate(dst netid.ID) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[dst]
	if !ok {
		f = &Flow{Dst: dst}
		t.flows[dst] = f
	}
	return f
}

// Get returns dst's Flow without creating one, or nil.
func (t *Table) Get(dst netid.ID) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flows[dst]
}

// isPending reports whether dst is already queued in unreq, consulting
// the bitmap for destinations within its range and falling back to a
// linear scan for the (rare, large-deployment) ids beyond it.
func (t *Table) isPending(dst netid.ID) bool {
	if int(dst) < bigmap.Capacity {
		return t.pending.IsSet(int(dst))
	}
	for _, d := range t.unreq {
		if d == dst {
			return true
		}
	}
	return false
}

func (t *Table) markPending(dst netid.ID) {
	if int(dst) < bigmap.Capacity {
		t.pending.Set(int(dst))
	}
	t.unreq = append(t.unreq, dst)
}

func (t *Table) clearPending(dst netid.ID) {
	if int(dst) < bigmap.Capacity {
		t.pending.Clear(int(dst))
	}
}

// AddDemand increments dst's demand by n timeslots' worth of packets and
// enqueues it for a request if it isn't already pending one.
func (t *Table) AddDemand(dst netid.ID, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[dst]
	if !ok {
		f = &Flow{Dst: dst}
		t.flows[dst] = f
	}
	f.Demand += n
	if f.Requested < f.Demand && !t.isPending(dst) {
		t.markPending(dst)
	}
}

// DequeueUnrequested removes and returns up to maxEntries destinations
// currently awaiting a request, per §4.4.2 step 4.
func (t *Table) DequeueUnrequested(maxEntries int) []netid.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := maxEntries
	if n > len(t.unreq) {
		n = len(t.unreq)
	}
	out := make([]netid.ID, n)
	copy(out, t.unreq[:n])
	t.unreq = t.unreq[n:]
	for _, dst := range out {
		t.clearPending(dst)
	}
	return out
}

// Requeue puts dst back on the unrequested list unless it is already
// queued or unknown. Shaper uses it when a missed timeslot or an alloc
// report adds demand back to a flow.
func (t *Table) Requeue(dst netid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.flows[dst]; !ok || t.isPending(dst) {
		return
	}
	t.markPending(dst)
}

// Range calls fn for every flow currently in the table, for diagnostics
// and the timeslot-advance sweep.
func (t *Table) Range(fn func(*Flow)) {
	t.mu.Lock()
	flows := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		flows = append(flows, f)
	}
	t.mu.Unlock()
	for _, f := range flows {
		fn(f)
	}
}
