package proto

import (
	"fmt"
	"time"

	"github.com/fastpass-project/fastpass/wire"
)

// PrepareToSend makes room in the outgoing window for the next commit: if
// the slot about to rotate off the back is still marked, it is NACKed and
// freed, and the retransmit timer is advanced past it.
func (c *Conn) PrepareToSend(now time.Time) {
	evict := c.outwnd.Head() - int64(c.outwnd.CapacityBits()) + 1
	if !c.outwnd.IsMarked(evict) {
		return
	}
	pd := c.descriptors[evict]
	if pd != nil && c.cb.HandleNegAck != nil {
		c.cb.HandleNegAck(pd)
	}
	c.Counters.FallOffOutwnd++
	c.outwnd.Clear(evict)
	delete(c.descriptors, evict)
	if c.nextTimeoutSeqno <= evict {
		c.nextTimeoutSeqno = evict + 1
	}
	c.rearmTimer()
}

// CommitPacket fills in a descriptor's header fields from current
// connection state, advances the outgoing window by one, and marks the
// new head, per §4.2.4.
func (c *Conn) CommitPacket(pd *PacketDescriptor, now time.Time) {
	pd.Seq = c.outwnd.Head() + 1
	pd.SendReset = !c.inSync
	pd.ResetTimestamp = c.lastResetTime
	pd.AckSeq = c.inMaxSeqno

	tailOnes := c.inwnd&(^uint64(0)<<16) == ^uint64(0)<<16
	pd.AckVec = wire.EncodeAckVec(c.inwnd, tailOnes)

	pd.SentAt = now
	c.outwnd.Advance(1)
	c.outwnd.Mark(pd.Seq)
	c.descriptors[pd.Seq] = pd

	c.rearmTimer()
}

// rearmTimer recomputes and (re)schedules the retransmit timer from the
// earliest committed-but-still-marked descriptor's deadline, or cancels it
// if the window is empty.
func (c *Conn) rearmTimer() {
	s, ok := c.outwnd.EarliestMarked()
	if !ok {
		if c.cb.CancelTimer != nil {
			c.cb.CancelTimer()
		}
		return
	}
	pd := c.descriptors[s]
	if pd == nil {
		return
	}
	if c.cb.SetTimer != nil {
		c.cb.SetTimer(pd.SentAt.Add(c.sendTimeout))
	}
}

// EncodePacket serialises pd into buf, padding to at least minSize bytes,
// and returns the number of bytes written. RESET (if pd.SendReset) is
// always encoded first; ALLOC precedes A-REQ in the fixed payload order
// when both might be present — an endpoint connection only ever encodes
// A-REQ.
func (c *Conn) EncodePacket(pd *PacketDescriptor, buf []byte, minSize int) (int, error) {
	if len(buf) < wire.HeaderLen {
		return 0, wire.ErrBufferTooSmall
	}
	off := wire.HeaderLen

	if pd.SendReset {
		n, err := wire.EncodeReset(buf[off:], pd.ResetTimestamp)
		if err != nil {
			return 0, fmt.Errorf("proto: encode reset: %w", err)
		}
		off += n
	}

	switch c.role {
	case RoleArbiter:
		if pd.Alloc != nil {
			n, err := wire.EncodeAlloc(buf[off:], pd.Alloc.BaseTslot, pd.Alloc.Dsts, pd.Alloc.Grants)
			if err != nil {
				return 0, fmt.Errorf("proto: encode alloc: %w", err)
			}
			off += n
		}
	case RoleEndpoint:
		if len(pd.AReq) > 0 {
			n, err := wire.EncodeAReq(buf[off:], pd.AReq)
			if err != nil {
				return 0, fmt.Errorf("proto: encode areq: %w", err)
			}
			off += n
		}
	}

	for off < minSize {
		if off >= len(buf) {
			return 0, wire.ErrBufferTooSmall
		}
		buf[off] = byte(wire.PayloadPadding) << 4
		off++
	}

	h := wire.Header{
		Seq:    uint16(pd.Seq),
		AckSeq: uint16(pd.AckSeq),
		AckVec: uint16(pd.AckVec),
	}
	h.Encode(buf)
	wire.ZeroChecksum(buf[:off])
	h.Checksum = wire.Checksum(buf[:off], uint64(pd.Seq), uint64(pd.AckSeq))
	h.Encode(buf)

	return off, nil
}
