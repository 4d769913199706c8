package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fastpass-project/fastpass/metrics"
)

// Heartbeat is a per-worker liveness stamp a worker updates as it
// finishes each batch, and Watchdog polls to detect stalls.
type Heartbeat struct {
	lastTimeslot int64
	lastAt       int64 // unix nanos
}

// Touch records that the worker has just advanced to timeslot ts.
func (h *Heartbeat) Touch(ts int64, now time.Time) {
	atomic.StoreInt64(&h.lastTimeslot, ts)
	atomic.StoreInt64(&h.lastAt, now.UnixNano())
}

func (h *Heartbeat) snapshot() (ts int64, at time.Time) {
	return atomic.LoadInt64(&h.lastTimeslot), time.Unix(0, atomic.LoadInt64(&h.lastAt))
}

// Watchdog periodically checks a set of worker heartbeats and reports
// (via a gauge, not a crash) any worker that hasn't advanced its logical
// timeslot within staleAfter — the reference arbiter calls assert() here;
// this implementation recovers and reports instead, per the
// SUPPLEMENTED FEATURES adaptation of watchdog.h.
func Watchdog(ctx context.Context, heartbeats []*Heartbeat, staleAfter, pollEvery time.Duration, gauge *metrics.Scheduler, workerLabel func(int) string) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i, hb := range heartbeats {
				_, at := hb.snapshot()
				stalled := now.Sub(at) > staleAfter
				v := 0.0
				if stalled {
					v = 1
				}
				if gauge != nil {
					gauge.WorkerStalled.WithLabelValues(workerLabel(i)).Set(v)
				}
			}
		}
	}
}
