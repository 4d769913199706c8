// Package proto implements the reliable control protocol's per-peer
// connection state machine: the outgoing window of committed packets with
// per-descriptor timeouts, the incoming duplicate-suppression window, and
// the reset/resync handshake, as described in the fastpass control
// protocol's §4.2. It is symmetric in structure but asymmetric in
// payload: Role distinguishes which payload variant a connection sends.
package proto

import (
	"time"

	"github.com/fastpass-project/fastpass/window"
	"github.com/fastpass-project/fastpass/wire"
)

// Role selects which payload variant a Conn sends: endpoints send A-REQ
// demand reports, the arbiter sends ALLOC grants. Both directions may
// carry RESET and ACK.
type Role int

const (
	RoleEndpoint Role = iota
	RoleArbiter
)

// outwndBits is the logical length of the outgoing packet window. The
// window primitive's own capacity (a multiple of 64) must exceed it so a
// mark never collides with a not-yet-cleared slot from a much earlier
// generation; §4.1 calls this WND_LEN = 2^WND_LOG - 64.
const outwndBits = 1 << 8 // WND_LOG = 8 by default; conn callers may rebuild with a larger window if needed

// badPktResetThreshold is FASTPASS_BAD_PKT_RESET_THRESHOLD from §4.2.2.
const badPktResetThreshold = 10

// PacketDescriptor is the state committed at send time for one outgoing
// packet, per §3.
type PacketDescriptor struct {
	Seq            int64
	SentAt         time.Time
	AckSeq         int64
	AckVec         wire.AckVec
	SendReset      bool
	ResetTimestamp uint64

	// AReq carries the endpoint variant's demand records.
	AReq []wire.AReqEntry
	// Alloc carries the arbiter variant's grant records.
	Alloc *wire.Alloc
}

// Callbacks are the user-supplied hooks the connection invokes as it
// processes packets; the protocol itself never blocks or does I/O.
type Callbacks struct {
	// HandleAck is called once per newly-acknowledged packet descriptor.
	HandleAck func(pd *PacketDescriptor)
	// HandleNegAck is called when a descriptor's retransmit timeout fires,
	// when it is evicted from the outgoing window without being acked, or
	// when a reset discards it. After a timeout the descriptor remains
	// owned by the window until a later ack (if any) arrives; after an
	// eviction or a reset it is dropped from the window.
	HandleNegAck func(pd *PacketDescriptor)
	// HandleReset is called whenever a reset is accepted (our own or the
	// peer's), after all outwnd state has been rebuilt.
	HandleReset func()
	// HandleAlloc is called when an ALLOC payload is received (Role ==
	// RoleEndpoint connections only).
	HandleAlloc func(wire.Alloc)
	// HandleAReq is called when an A-REQ payload is received (Role ==
	// RoleArbiter connections only).
	HandleAReq func([]wire.AReqEntry)
	// SetTimer and CancelTimer let the protocol ask its host to arrange a
	// call to HandleTimeout at a given time, per §5: "the tasklet is
	// external: the protocol exposes handle_timeout(now); the host wires a
	// timer."
	SetTimer    func(at time.Time)
	CancelTimer func()
	// TriggerRequest is called after a forced reset so the host knows to
	// send a fresh request promptly rather than waiting for the next pacer
	// tick.
	TriggerRequest func()
}

// Counters tracks per-connection failure and drop counts, queried by the
// metrics package (the comm_log.h equivalent).
type Counters struct {
	Duplicate      uint64
	OutOfWindow    uint64
	BadChecksum    uint64
	RedundantReset uint64
	FallOffOutwnd  uint64
}

// Conn is one reliability-protocol connection to a single peer.
type Conn struct {
	role Role
	cb   Callbacks

	resetWindow time.Duration
	sendTimeout time.Duration

	lastResetTime uint64
	lastResetAt   time.Time
	inSync        bool

	consecutiveBadPkts int

	outwnd           *window.Window
	descriptors      map[int64]*PacketDescriptor
	nextTimeoutSeqno int64

	inMaxSeqno int64
	inwnd      uint64

	Counters Counters
}

// NewConn builds a Conn and immediately performs the initial reset with
// timestamp t (the "first contact" timestamp, typically the connection's
// creation time in nanoseconds).
func NewConn(role Role, t uint64, now time.Time, resetWindow, sendTimeout time.Duration, cb Callbacks) *Conn {
	c := &Conn{
		role:        role,
		cb:          cb,
		resetWindow: resetWindow,
		sendTimeout: sendTimeout,
		descriptors: make(map[int64]*PacketDescriptor),
	}
	c.accept(t, now)
	return c
}

func (c *Conn) egressOffset() uint64 {
	if c.role == RoleEndpoint {
		return wire.EgressOffset
	}
	return wire.IngressOffset
}

func (c *Conn) ingressOffset() uint64 {
	if c.role == RoleEndpoint {
		return wire.IngressOffset
	}
	return wire.EgressOffset
}

// accept performs the "Accepting" side-effects of §4.2.2: rebuild the
// outgoing and incoming windows from a freshly negotiated reset timestamp
// t, NACKing every outstanding descriptor and invoking HandleReset.
func (c *Conn) accept(t uint64, now time.Time) {
	base := wire.BaseSeqno(t)
	outHead := int64(base+c.egressOffset()) - 1
	inHead := int64(base+c.ingressOffset()) - 1

	if c.outwnd != nil {
		for seq, pd := range c.descriptors {
			if c.outwnd.IsMarked(seq) && c.cb.HandleNegAck != nil {
				c.cb.HandleNegAck(pd)
			}
		}
	}

	c.outwnd = window.New(outHead, outwndBits)
	c.descriptors = make(map[int64]*PacketDescriptor)
	c.nextTimeoutSeqno = outHead + 1

	c.inMaxSeqno = inHead
	c.inwnd = ^uint64(0)

	c.lastResetTime = t
	c.lastResetAt = now
	c.consecutiveBadPkts = 0
	if c.role == RoleEndpoint {
		c.inSync = false // flips true once our chosen T is echoed back
	} else {
		c.inSync = false
	}

	if c.cb.CancelTimer != nil {
		c.cb.CancelTimer()
	}
	if c.cb.HandleReset != nil {
		c.cb.HandleReset()
	}
}

// recent reports whether x lies within resetWindow of now, per §4.2.2's
// "|L-N|<=W" test, expressed on nanosecond timestamps.
func recentTo(x uint64, now uint64, win time.Duration) bool {
	w := uint64(win.Nanoseconds())
	var delta uint64
	if x > now {
		delta = x - now
	} else {
		delta = now - x
	}
	return delta <= w
}

// handleReset runs the §4.2.2 acceptance table for a RESET payload
// carrying timestamp t, observed at nowNs (nanoseconds, the same clock
// domain as reset timestamps).
func (c *Conn) handleReset(t uint64, nowNs uint64, now time.Time) {
	c.inSync = false

	lRecent := recentTo(c.lastResetTime, nowNs, c.resetWindow)
	tRecent := recentTo(t, nowNs, c.resetWindow)

	switch {
	case lRecent && tRecent:
		switch {
		case t == c.lastResetTime:
			c.Counters.RedundantReset++
			c.inSync = true
		case t > c.lastResetTime:
			c.accept(t, now)
		default:
			// keep L; peer is behind, nothing to do but let the echo settle.
		}
	case lRecent && !tRecent:
		// keep L, reject T.
	case !lRecent && tRecent:
		c.accept(t, now)
	default:
		c.accept(nowNs, now)
	}
}

// InSync reports whether the connection believes both sides agree on the
// current reset timestamp.
func (c *Conn) InSync() bool { return c.inSync }

// LastResetTime returns the currently negotiated reset timestamp.
func (c *Conn) LastResetTime() uint64 { return c.lastResetTime }

// ForceReset triggers a fresh reset handshake with T = now, per the
// bad-packet threshold rule in §4.2.2 and the allocation-window-full rule
// in §4.4.3.
func (c *Conn) ForceReset(nowNs uint64, now time.Time) {
	c.accept(nowNs, now)
	if c.cb.TriggerRequest != nil {
		c.cb.TriggerRequest()
	}
}

func (c *Conn) maybeForceResetOnBadPkt(nowNs uint64, now time.Time) {
	if c.consecutiveBadPkts < badPktResetThreshold {
		return
	}
	if now.Sub(c.lastResetAt) < c.resetWindow {
		return
	}
	c.ForceReset(nowNs, now)
}
