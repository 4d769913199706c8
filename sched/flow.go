package sched

import (
	"sync"
	"sync/atomic"

	"github.com/fastpass-project/fastpass/netid"
)

// FlowState is the arbiter-side per-flow state: an atomic backlog counter
// (timeslots still owed) and a hint of the last timeslot this flow was
// granted, used to bucket it into a bin.
type FlowState struct {
	backlog   int64
	lastAlloc int64
}

// AddBacklog atomically adds n (which may be negative) to the flow's
// backlog and returns the new value.
func (f *FlowState) AddBacklog(n int64) int64 {
	return atomic.AddInt64(&f.backlog, n)
}

// Backlog returns the current backlog without modifying it.
func (f *FlowState) Backlog() int64 {
	return atomic.LoadInt64(&f.backlog)
}

// LastAlloc returns the last timeslot this flow was granted.
func (f *FlowState) LastAlloc() int64 {
	return atomic.LoadInt64(&f.lastAlloc)
}

// SetLastAlloc records the most recent timeslot granted to this flow.
func (f *FlowState) SetLastAlloc(t int64) {
	atomic.StoreInt64(&f.lastAlloc, t)
}

// FlowTable is the arbiter's global table of backlog demand, keyed by
// (source, destination). It is read and mutated across all admission
// workers; the only synchronization it needs beyond the per-flow atomics
// is a lock around insertion of new flows.
type FlowTable struct {
	mu    sync.RWMutex
	flows map[netid.Flow]*FlowState
}

// NewFlowTable builds an empty flow table.
func NewFlowTable() *FlowTable {
	return &FlowTable{flows: make(map[netid.Flow]*FlowState)}
}

// GetOrCreate returns the FlowState for f, creating it (with zero backlog,
// last-alloc in the infinite past) if this is the first time f has been
// seen.
func (t *FlowTable) GetOrCreate(f netid.Flow) *FlowState {
	t.mu.RLock()
	fs, ok := t.flows[f]
	t.mu.RUnlock()
	if ok {
		return fs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fs, ok = t.flows[f]; ok {
		return fs
	}
	fs = &FlowState{lastAlloc: minInt64}
	t.flows[f] = fs
	return fs
}

// Get returns the FlowState for f without creating one, or nil.
func (t *FlowTable) Get(f netid.Flow) *FlowState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flows[f]
}

// Delete removes f from the table, used when a flow is garbage-collected
// on reset because used == demand.
func (t *FlowTable) Delete(f netid.Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, f)
}

const minInt64 = -1 << 63
