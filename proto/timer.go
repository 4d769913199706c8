package proto

import "time"

// HandleTimeout is called by the host when the timer it was asked to set
// via Callbacks.SetTimer fires. It walks forward from nextTimeoutSeqno,
// NACKing every committed-but-unacked descriptor whose deadline has
// passed, per §4.2.5. A NACK here is a hint, not a deletion: the
// descriptor stays in the outgoing window so a later ack can still arrive
// and free it.
func (c *Conn) HandleTimeout(now time.Time) {
	seq := c.nextTimeoutSeqno
	for seq <= c.outwnd.Head() {
		if !c.outwnd.IsMarked(seq) {
			seq++
			continue
		}
		pd := c.descriptors[seq]
		if pd == nil {
			seq++
			continue
		}
		if pd.SentAt.Add(c.sendTimeout).After(now) {
			break
		}
		if c.cb.HandleNegAck != nil {
			c.cb.HandleNegAck(pd)
		}
		seq++
	}
	c.nextTimeoutSeqno = seq
	c.rearmTimer()
}
