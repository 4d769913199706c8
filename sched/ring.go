// Package sched implements the admission pipeline: a ring of worker
// goroutines that turn per-(source,destination) backlog demand into a
// timeslot-by-timeslot matching, per §4.3. Workers communicate
// exclusively through bounded channels carrying bins of unresolved
// demand, urgent late-arriving messages, and a single migrating head
// token — the channel-blocking idiom stands in for the reference's
// spin-on-empty-ring loops, since a Go goroutine parked on a channel
// receive is the idiomatic equivalent of "suspended, no blocking calls"
// at the language level.
package sched

import (
	"context"
	"fmt"

	"github.com/fastpass-project/fastpass/netid"
	"golang.org/x/sync/errgroup"
)

// TimeslotAllocation is one finished timeslot's matching, delivered to
// the control plane via the ring's single output queue.
type TimeslotAllocation struct {
	Timeslot int64
	Admitted []Admission
}

// urgentMsg is the payload of the urgent ring: either the head token, or
// a (bin index, flow) record handed forward because the sender already
// passed that bin this batch.
type urgentMsg struct {
	token    bool
	binIndex int
	flow     netid.Flow
}

// Config bundles the admission pipeline's per-process parameters
// (the reference's compile-time constants, now runtime config per config.Arbiter).
type Config struct {
	NumWorkers int
	BatchSize  int
	NumBins    int
	Oversub    bool
	RackOf     RackOf
}

// Ring wires NumWorkers admission workers into the topology described in
// §4.3.1: per-worker bin and urgent channels forming a cycle, a shared
// new-demand input, and a shared admitted-output queue.
type Ring struct {
	cfg        Config
	workers    []*worker
	qHead      chan netid.Flow
	out        chan TimeslotAllocation
	flows      *FlowTable
	heartbeats []*Heartbeat
}

// Heartbeats returns one liveness stamp per worker, for Watchdog.
func (r *Ring) Heartbeats() []*Heartbeat { return r.heartbeats }

// NewRing builds a Ring with channels wired but no goroutines started.
func NewRing(cfg Config, flows *FlowTable, firstTimeslot int64) *Ring {
	n := cfg.NumWorkers
	binChans := make([]chan *Bin, n)
	urgentChans := make([]chan urgentMsg, n)
	for i := range binChans {
		binChans[i] = make(chan *Bin, cfg.NumBins+1)
		urgentChans[i] = make(chan urgentMsg, cfg.NumBins+1)
		// prime every worker's inbound bin queue with empty bins so the
		// first batch has something to receive rather than deadlocking;
		// subsequent batches are kept full by each worker forwarding what
		// it received.
		for b := 0; b < cfg.NumBins; b++ {
			binChans[i] <- NewBin(256)
		}
	}

	r := &Ring{
		cfg:   cfg,
		qHead: make(chan netid.Flow, cfg.NumBins*2),
		out:   make(chan TimeslotAllocation, cfg.BatchSize*2),
		flows: flows,
	}

	for i := 0; i < n; i++ {
		next := (i + 1) % n
		w := &worker{
			id:            i,
			cfg:           cfg,
			qBinIn:        binChans[i],
			qBinOut:       binChans[next],
			qUrgentIn:     urgentChans[i],
			qUrgentOut:    urgentChans[next],
			qHead:         r.qHead,
			qAdmittedOut:  r.out,
			flows:         flows,
			firstTimeslot: firstTimeslot + int64(i*cfg.BatchSize),
			isHead:        i == 0,
			heartbeat:     &Heartbeat{},
		}
		r.workers = append(r.workers, w)
		r.heartbeats = append(r.heartbeats, w.heartbeat)
	}

	return r
}

// Admitted returns the ring's shared output channel of finished
// per-timeslot allocations.
func (r *Ring) Admitted() <-chan TimeslotAllocation { return r.out }

// Submit enqueues new demand for the ring to admit, blocking until the
// shared new-demand queue has space if it is momentarily full.
func (r *Ring) Submit(ctx context.Context, f netid.Flow) error {
	select {
	case r.qHead <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts every worker's goroutine and blocks until ctx is cancelled
// or a worker returns an error, per the ambient errgroup-supervised
// shutdown convention.
func (r *Ring) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			return w.run(ctx)
		})
	}
	return g.Wait()
}

func validateConfig(cfg Config) error {
	if cfg.NumWorkers <= 0 {
		return fmt.Errorf("sched: NumWorkers must be positive")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 64 {
		return fmt.Errorf("sched: BatchSize must be in (0,64]")
	}
	if cfg.NumBins <= 0 {
		return fmt.Errorf("sched: NumBins must be positive")
	}
	return nil
}
