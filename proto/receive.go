package proto

import (
	"time"

	"github.com/fastpass-project/fastpass/wire"
)

// Receive processes one inbound packet, per the ordered steps of §4.2.3.
// nowNs is "now" on the same clock domain as reset timestamps
// (nanoseconds); now is used for timer/ack bookkeeping.
func (c *Conn) Receive(buf []byte, nowNs uint64, now time.Time) error {
	if len(buf) < wire.HeaderLen {
		return wire.ErrShortPacket
	}

	typ, err := wire.PeekPayloadType(buf[wire.HeaderLen:])
	isReset := err == nil && typ == wire.PayloadReset

	var seqno uint64
	if isReset {
		wireLow56, _, err := wire.DecodeReset(buf[wire.HeaderLen:])
		if err != nil {
			return err
		}
		t := wire.ReconstructResetTimestamp(wireLow56, nowNs)
		base := wire.BaseSeqno(t)
		seqno = base + c.senderEgressOffset()
	}

	hdr, err := wire.DecodeHeader(buf)
	if err != nil {
		return err
	}
	if !isReset {
		seqno = wire.ReconstructSeqno(hdr.Seq, uint64(c.inMaxSeqno))
	}
	ackSeq := wire.ReconstructAckSeq(hdr.AckSeq, uint64(c.outwnd.Head()))

	verify := make([]byte, len(buf))
	copy(verify, buf)
	wire.ZeroChecksum(verify)
	if wire.Checksum(verify, seqno, ackSeq) != hdr.Checksum {
		c.consecutiveBadPkts++
		c.Counters.BadChecksum++
		c.maybeForceResetOnBadPkt(nowNs, now)
		return errBadChecksum
	}
	c.consecutiveBadPkts = 0

	if isReset {
		wireLow56, _, _ := wire.DecodeReset(buf[wire.HeaderLen:])
		t := wire.ReconstructResetTimestamp(wireLow56, nowNs)
		c.handleReset(t, nowNs, now)
		if c.role == RoleEndpoint && t == c.lastResetTime {
			c.inSync = true
		}
	}

	if int64(seqno) <= c.inMaxSeqno-64 {
		c.Counters.OutOfWindow++
		return nil
	}
	relBit := c.inMaxSeqno - int64(seqno)
	if relBit >= 0 && relBit < 64 && c.inwnd&(uint64(1)<<uint(relBit)) != 0 {
		c.Counters.Duplicate++
		return nil
	}

	c.applyPiggybackAck(hdr.AckVec, ackSeq)

	off := wire.HeaderLen
	if isReset {
		off += wire.ResetPayloadLen
	}
	for off < len(buf) {
		pt, err := wire.PeekPayloadType(buf[off:])
		if err != nil {
			break
		}
		switch pt {
		case wire.PayloadPadding:
			off = len(buf)
		case wire.PayloadAReq:
			entries, n, err := wire.DecodeAReq(buf[off:])
			if err != nil {
				return err
			}
			if c.cb.HandleAReq != nil {
				c.cb.HandleAReq(entries)
			}
			off += n
		case wire.PayloadAlloc:
			alloc, n, err := wire.DecodeAlloc(buf[off:])
			if err != nil {
				return err
			}
			if c.cb.HandleAlloc != nil {
				c.cb.HandleAlloc(alloc)
			}
			off += n
		case wire.PayloadAck:
			bits44, n, err := wire.DecodeExtendedAck(buf[off:])
			if err != nil {
				return err
			}
			extended := wire.ApplyExtendedAck(wire.DecodeAckVec(wire.AckVec(hdr.AckVec)), bits44)
			c.applyAckMask(extended, ackSeq)
			off += n
		default:
			off = len(buf)
		}
	}

	c.updateInwnd(seqno)
	return nil
}

// senderEgressOffset returns the offset the *peer* uses for its own
// sends, i.e. the offset this connection's incoming window is anchored
// to.
func (c *Conn) senderEgressOffset() uint64 { return c.ingressOffset() }

func (c *Conn) applyPiggybackAck(ackVec uint16, ackSeq uint64) {
	relative := wire.DecodeAckVec(wire.AckVec(ackVec))
	c.applyAckMask(relative, ackSeq)
}

// applyAckMask ANDs a relative-offset ack bitmap (bit i => ackSeq-i was
// received) against the outgoing window's still-marked mask ending at
// ackSeq, then acks every remaining bit, per §4.2.3 step 7.
func (c *Conn) applyAckMask(relative uint64, ackSeq uint64) {
	if int64(ackSeq) < c.outwnd.Edge()-1 {
		c.Counters.OutOfWindow++
		return
	}
	outMask := c.outwnd.GetMask(int64(ackSeq))
	// outMask bit i corresponds to seqno ackSeq-63+i; relative bit i
	// corresponds to seqno ackSeq-i. Re-align relative onto the same
	// direction before ANDing.
	var realigned uint64
	for i := 0; i < 64; i++ {
		if relative&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		s := int64(ackSeq) - int64(i)
		bitPos := s - (int64(ackSeq) - 63)
		if bitPos < 0 || bitPos > 63 {
			continue
		}
		realigned |= uint64(1) << uint(bitPos)
	}
	combined := realigned & outMask
	for i := 0; i < 64; i++ {
		if combined&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		s := int64(ackSeq) - 63 + int64(i)
		c.doAckSeqno(s)
	}
}

func (c *Conn) doAckSeqno(s int64) {
	if !c.outwnd.IsMarked(s) {
		return
	}
	pd := c.descriptors[s]
	c.outwnd.Clear(s)
	delete(c.descriptors, s)
	if pd != nil && c.cb.HandleAck != nil {
		c.cb.HandleAck(pd)
	}
	if c.nextTimeoutSeqno <= s {
		c.nextTimeoutSeqno = s + 1
	}
	c.rearmTimer()
}

// updateInwnd folds a newly-accepted seqno into the incoming window, per
// §4.2.3 step 9. Bit i of inwnd is set iff seqno in_max_seqno-i has been
// received; bit 0 (the current packet itself) is always set after this
// call.
func (c *Conn) updateInwnd(seqno uint64) {
	switch {
	case int64(seqno) > c.inMaxSeqno+63:
		c.inwnd = 1
		c.inMaxSeqno = int64(seqno)
	case int64(seqno) > c.inMaxSeqno:
		gap := int64(seqno) - c.inMaxSeqno
		c.inwnd = (c.inwnd << uint(gap)) | 1
		c.inMaxSeqno = int64(seqno)
	default:
		bit := c.inMaxSeqno - int64(seqno)
		if bit >= 0 && bit < 64 {
			c.inwnd |= uint64(1) << uint(bit)
		}
	}
}
