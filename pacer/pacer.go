// Package pacer implements the token-bucket trigger used to rate-limit
// request packets (and any other rate-limited event) to an average
// interval of cost, with bursts capped by max_credit and a hard floor of
// min_gap between any two consecutive events.
package pacer

import "time"

// Pacer is a token-bucket pacer with state (t, nextEvent, cost,
// maxCredit, minGap), per the reference triple of the same shape.
type Pacer struct {
	t         time.Time
	nextEvent time.Time
	hasNext   bool

	cost      time.Duration
	maxCredit time.Duration
	minGap    time.Duration
}

// New builds a Pacer that will not fire more often than once per cost on
// average, never bursts more than maxCredit/cost events, and never fires
// two events closer together than minGap.
func New(now time.Time, cost, maxCredit, minGap time.Duration) *Pacer {
	return &Pacer{t: now, cost: cost, maxCredit: maxCredit, minGap: minGap}
}

// Trigger arms the pacer's next event if none is pending, and reports
// whether this call armed it (a transition from idle to armed).
func (p *Pacer) Trigger(now time.Time) bool {
	if p.hasNext {
		return false
	}
	byCredit := p.t.Add(p.cost)
	byGap := now.Add(p.minGap)
	if byGap.After(byCredit) {
		p.nextEvent = byGap
	} else {
		p.nextEvent = byCredit
	}
	p.hasNext = true
	return true
}

// NextEvent returns the currently armed fire time and whether one is
// armed.
func (p *Pacer) NextEvent() (time.Time, bool) {
	return p.nextEvent, p.hasNext
}

// Fire consumes the armed event, advancing the bucket's credit clock and
// clearing the pending event so Trigger can arm a new one.
func (p *Pacer) Fire() {
	floor := p.nextEvent.Add(-p.maxCredit)
	if p.t.Before(floor) {
		p.t = floor
	}
	p.t = p.t.Add(p.cost)
	p.hasNext = false
}
