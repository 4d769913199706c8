package sched

import "github.com/fastpass-project/fastpass/netid"

// Bin is a fixed-capacity FIFO of flows awaiting admission, staggered by
// "how long ago last granted" per §3. A bin is owned by exactly one
// worker at a time; it moves between workers by being passed through the
// ring.
type Bin struct {
	capacity int
	items    []netid.Flow
}

// NewBin allocates an empty bin with the given capacity.
func NewBin(capacity int) *Bin {
	return &Bin{capacity: capacity, items: make([]netid.Flow, 0, capacity)}
}

// Full reports whether the bin has reached its capacity.
func (b *Bin) Full() bool { return len(b.items) >= b.capacity }

// Len returns the number of flows currently queued in the bin.
func (b *Bin) Len() int { return len(b.items) }

// Push appends a flow to the bin, reporting false if the bin is full.
func (b *Bin) Push(f netid.Flow) bool {
	if b.Full() {
		return false
	}
	b.items = append(b.items, f)
	return true
}

// Drain removes and returns every flow currently in the bin, resetting
// it to empty.
func (b *Bin) Drain() []netid.Flow {
	out := b.items
	b.items = make([]netid.Flow, 0, b.capacity)
	return out
}
