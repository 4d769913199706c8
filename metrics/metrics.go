// Package metrics exposes the system's primary observability surface
// (admission outcomes, per-connection protocol counters, worker
// liveness) as Prometheus counters and gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Scheduler holds the admission pipeline's per-worker counters,
// corresponding to the reference's admission_log.h fields.
type Scheduler struct {
	Admitted         *prometheus.CounterVec
	BatchNoTimeslots *prometheus.CounterVec
	BinFull          *prometheus.CounterVec
	UrgentForwarded  *prometheus.CounterVec
	WorkerStalled    *prometheus.GaugeVec
}

// NewScheduler registers and returns the admission pipeline's counters on
// reg.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		Admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_admitted_total",
			Help: "Timeslots admitted, by worker.",
		}, []string{"worker"}),
		BatchNoTimeslots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_batch_no_timeslots_total",
			Help: "Batches where a flow had no available timeslot, by worker.",
		}, []string{"worker"}),
		BinFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_bin_full_total",
			Help: "Demand dropped because its destination bin was full, by worker.",
		}, []string{"worker"}),
		UrgentForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_urgent_forwarded_total",
			Help: "Urgent late-demand messages forwarded around the ring, by worker.",
		}, []string{"worker"}),
		WorkerStalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpass_worker_stalled",
			Help: "1 if a worker has not advanced its logical timeslot within the watchdog bound.",
		}, []string{"worker"}),
	}
	reg.MustRegister(s.Admitted, s.BatchNoTimeslots, s.BinFull, s.UrgentForwarded, s.WorkerStalled)
	return s
}

// Conn holds one reliability connection's protocol counters, matching
// the reference's comm_log.h granularity.
type Conn struct {
	Duplicate     *prometheus.CounterVec
	OutOfWindow   *prometheus.CounterVec
	BadChecksum   *prometheus.CounterVec
	RedundantReset *prometheus.CounterVec
	FallOffOutwnd *prometheus.CounterVec
}

// NewConn registers and returns the reliability protocol's per-connection
// counters on reg, labeled by connection id.
func NewConn(reg prometheus.Registerer) *Conn {
	c := &Conn{
		Duplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_conn_duplicate_total",
			Help: "Duplicate (already-seen) packets dropped, by connection.",
		}, []string{"conn"}),
		OutOfWindow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_conn_out_of_window_total",
			Help: "Packets dropped for falling outside the incoming window, by connection.",
		}, []string{"conn"}),
		BadChecksum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_conn_bad_checksum_total",
			Help: "Packets dropped for checksum mismatch, by connection.",
		}, []string{"conn"}),
		RedundantReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_conn_redundant_reset_total",
			Help: "RESET packets received that matched the current reset timestamp, by connection.",
		}, []string{"conn"}),
		FallOffOutwnd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_conn_fall_off_outwnd_total",
			Help: "Unacked packets evicted from the outgoing window to make room (each is NACKed), by connection.",
		}, []string{"conn"}),
	}
	reg.MustRegister(c.Duplicate, c.OutOfWindow, c.BadChecksum, c.RedundantReset, c.FallOffOutwnd)
	return c
}

// Shaper holds the endpoint traffic-shaper's failure counters (missed
// timeslots, late or far-future grants, forced resets).
type Shaper struct {
	MissedTimeslots *prometheus.CounterVec
	LateGrants      *prometheus.CounterVec
	FarFutureGrants *prometheus.CounterVec
	ForcedResets    *prometheus.CounterVec
}

// NewShaper registers and returns the endpoint shaper's counters on reg.
func NewShaper(reg prometheus.Registerer) *Shaper {
	s := &Shaper{
		MissedTimeslots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_shaper_missed_timeslots_total",
			Help: "Granted timeslots that went unused before falling out of the miss threshold.",
		}, []string{"conn"}),
		LateGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_shaper_late_grants_total",
			Help: "ALLOC grants received for a timeslot already behind the miss threshold.",
		}, []string{"conn"}),
		FarFutureGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_shaper_far_future_grants_total",
			Help: "ALLOC grants received for a timeslot beyond max_preload.",
		}, []string{"conn"}),
		ForcedResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpass_shaper_forced_resets_total",
			Help: "Forced connection resets triggered by the shaper (allocation window overflow, large backward time jump, or an alloc report above the requested count).",
		}, []string{"conn"}),
	}
	reg.MustRegister(s.MissedTimeslots, s.LateGrants, s.FarFutureGrants, s.ForcedResets)
	return s
}
