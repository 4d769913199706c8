package sched

import (
	"context"
	"time"

	"github.com/fastpass-project/fastpass/netid"
)

// worker is one admission-pipeline worker: it owns a shard of the ring's
// bins for the duration of each batch it processes, tiling the timeline
// with every other worker so each timeslot is processed by exactly one
// worker.
type worker struct {
	id  int
	cfg Config

	qBinIn     <-chan *Bin
	qBinOut    chan<- *Bin
	qUrgentIn  <-chan urgentMsg
	qUrgentOut chan<- urgentMsg
	qHead      <-chan netid.Flow

	qAdmittedOut chan<- TimeslotAllocation

	flows *FlowTable

	firstTimeslot   int64
	logicalTimeslot int64
	isHead          bool
	haveToken       bool

	heartbeat *Heartbeat
}

func (w *worker) run(ctx context.Context) error {
	if w.isHead {
		w.haveToken = true
	}
	w.logicalTimeslot = w.firstTimeslot
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.runBatch(ctx); err != nil {
			return err
		}
		w.logicalTimeslot += int64(w.cfg.BatchSize * w.cfg.NumWorkers)
		if w.heartbeat != nil {
			w.heartbeat.Touch(w.logicalTimeslot, time.Now())
		}
	}
}

// runBatch executes one full pass over all NumBins bins plus the
// BatchSize timeslots they feed, per §4.3.2.
func (w *worker) runBatch(ctx context.Context) error {
	bs := NewBatchState(w.cfg.BatchSize, w.cfg.Oversub)

	// newRequestBins is sized NumBins+1: for gaps of at least BatchSize,
	// BinIndex's range is [0, NumBins] inclusive (a gap of exactly
	// BatchSize maps to NumBins itself), one more than the NumBins bins
	// that physically circulate through the ring's channels.
	newRequestBins := make([]*Bin, w.cfg.NumBins+1)
	outgoingBins := make([]*Bin, w.cfg.NumBins)
	for i := range newRequestBins {
		newRequestBins[i] = NewBin(256)
	}
	for i := range outgoingBins {
		outgoingBins[i] = NewBin(256)
	}

	// §4.3.2 step 4: drain q_urgent_in until the head token is found (or
	// we already hold it), handling any flow messages encountered along
	// the way as though current bin progress were 0.
	if !w.haveToken {
		if err := w.waitForToken(ctx, newRequestBins, bs, 0); err != nil {
			return err
		}
	}

	for b := 0; b < w.cfg.NumBins; b++ {
		if w.haveToken {
			w.drainHead(ctx, newRequestBins, bs, b)
		}

		var incoming *Bin
		select {
		case incoming = <-w.qBinIn:
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, flow := range incoming.Drain() {
			w.tryOrDefer(bs, flow, outgoingBins, b)
		}
		for _, flow := range newRequestBins[b].Drain() {
			w.tryOrDefer(bs, flow, outgoingBins, b)
		}

		if b >= w.cfg.BatchSize {
			toSend := outgoingBins[b-w.cfg.BatchSize]
			select {
			case w.qBinOut <- toSend:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// incoming is now empty; reuse it as a future outgoing bin.
		outgoingBins[b] = incoming
	}

	for t := 0; t < w.cfg.BatchSize; t++ {
		if w.haveToken {
			w.drainHead(ctx, newRequestBins, bs, w.cfg.NumBins)
		}
		alloc := TimeslotAllocation{
			Timeslot: w.logicalTimeslot + int64(t),
			Admitted: bs.Admitted[t],
		}
		select {
		case w.qAdmittedOut <- alloc:
		case <-ctx.Done():
			return ctx.Err()
		}
		bs.OutputTimeslot(t)
	}

	if w.haveToken {
		select {
		case w.qUrgentOut <- urgentMsg{token: true}:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.haveToken = false
	}

	// residual content of bin NumBins-1, plus anything filed into the
	// extra NumBins slot, carries over into the last outgoing bin rather
	// than being dropped.
	last := w.cfg.NumBins - 1
	for _, flow := range newRequestBins[last].Drain() {
		outgoingBins[last].Push(flow)
	}
	for _, flow := range newRequestBins[w.cfg.NumBins].Drain() {
		outgoingBins[last].Push(flow)
	}

	// forward every bin in the final BatchSize-wide window to the next
	// worker: the earlier loop only sent outgoingBins[0 .. NumBins-BatchSize),
	// leaving exactly these BatchSize bins (which hold this batch's
	// carried-over overflow) still to go out.
	for b := w.cfg.NumBins - w.cfg.BatchSize; b < w.cfg.NumBins; b++ {
		select {
		case w.qBinOut <- outgoingBins[b]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// waitForToken blocks on the urgent queue until the head token arrives,
// processing any ordinary urgent messages it sees along the way.
func (w *worker) waitForToken(ctx context.Context, newRequestBins []*Bin, bs *BatchState, progress int) error {
	for {
		select {
		case msg := <-w.qUrgentIn:
			if msg.token {
				w.haveToken = true
				return nil
			}
			w.handleUrgent(msg, newRequestBins, bs, progress)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainHead opportunistically empties the shared new-demand queue (and
// any pending urgent messages) without blocking, per §4.3.2 step 5.
func (w *worker) drainHead(ctx context.Context, newRequestBins []*Bin, bs *BatchState, progress int) {
	for {
		select {
		case flow := <-w.qHead:
			w.tryOrDefer(bs, flow, newRequestBins, progress)
		case msg := <-w.qUrgentIn:
			if msg.token {
				// a second token would be a protocol violation (loss of the
				// single token must be asserted, not duplication); treat it
				// defensively as already held rather than panicking.
				continue
			}
			w.handleUrgent(msg, newRequestBins, bs, progress)
		default:
			return
		}
	}
}

// handleUrgent implements §4.3.3: forward-looking messages (for a bin
// this worker has already passed) are tried immediately; others are
// filed into this worker's own new_request_bins for later.
func (w *worker) handleUrgent(msg urgentMsg, newRequestBins []*Bin, bs *BatchState, progress int) {
	flow := msg.flow
	if msg.binIndex < progress {
		w.tryOrDeferUrgent(bs, flow)
		return
	}
	newRequestBins[msg.binIndex].Push(flow)
}

// nextBatchStart returns the timeslot at which this flow will next be
// tried if it is rescheduled now: the very next batch, which starts
// BatchSize timeslots after this worker's own batch start regardless of
// which worker ends up owning it.
func (w *worker) nextBatchStart() int64 {
	return w.logicalTimeslot + int64(w.cfg.BatchSize)
}

// tryOrDefer attempts to admit a flow's backlog against the batch, and if
// any remains, stages it in the bin its new age maps to (spilling into
// outgoingBins when that bin is ahead of this worker's current position,
// or forwarding urgently when it has already passed).
func (w *worker) tryOrDefer(bs *BatchState, flow netid.Flow, bins []*Bin, progress int) {
	fs := w.flows.GetOrCreate(flow)
	remaining := TryAllocate(bs, fs, flow, w.logicalTimeslot, w.cfg.RackOf)
	if remaining <= 0 {
		return
	}
	bin := BinIndex(w.cfg.BatchSize, w.cfg.NumBins, w.nextBatchStart(), fs.LastAlloc())
	if bin >= progress && bin < len(bins) {
		bins[bin].Push(flow)
		return
	}
	select {
	case w.qUrgentOut <- urgentMsg{binIndex: bin, flow: flow}:
	default:
	}
}

// tryOrDeferUrgent is tryOrDefer's urgent-message variant: on failure it
// forwards the message onward around the urgent ring instead of staging
// into a local bin (the owning worker for that bin has already moved
// past it this batch).
func (w *worker) tryOrDeferUrgent(bs *BatchState, flow netid.Flow) {
	fs := w.flows.GetOrCreate(flow)
	remaining := TryAllocate(bs, fs, flow, w.logicalTimeslot, w.cfg.RackOf)
	if remaining <= 0 {
		return
	}
	bin := BinIndex(w.cfg.BatchSize, w.cfg.NumBins, w.nextBatchStart(), fs.LastAlloc())
	select {
	case w.qUrgentOut <- urgentMsg{binIndex: bin, flow: flow}:
	default:
	}
}
