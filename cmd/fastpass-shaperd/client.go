package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fastpass-project/fastpass/config"
	"github.com/fastpass-project/fastpass/logging"
	"github.com/fastpass-project/fastpass/metrics"
	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/proto"
	"github.com/fastpass-project/fastpass/shaper"
	"github.com/fastpass-project/fastpass/wire"
	"github.com/joeycumines/go-eventloop"
)

const maxPacketSize = 1400

// client is one endpoint's reliability connection to the arbiter, driving
// a shaper.Shaper through its send-request/advance-timeslot/reconcile
// cycle over a single UDP socket.
type client struct {
	cfg config.Shaper
	log *logging.Logger
	loop *eventloop.Loop

	connMetrics   *metrics.Conn
	shaperMetrics *metrics.Shaper
	noisy         *logging.NoisyGuard

	udp *net.UDPConn

	conn   *proto.Conn
	shaper *shaper.Shaper

	mu       sync.Mutex
	timerGen int
	lastCtr  proto.Counters
	lastShaperCtr shaper.Metrics

	currentTslot int64
}

func newClient(cfg config.Shaper, log *logging.Logger, connMetrics *metrics.Conn, shaperMetrics *metrics.Shaper, loop *eventloop.Loop) (*client, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ArbiterAddr)
	if err != nil {
		return nil, fmt.Errorf("fastpass-shaperd: resolve arbiter addr: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("fastpass-shaperd: dial: %w", err)
	}

	now := time.Now()
	c := &client{
		cfg:           cfg,
		log:           log,
		loop:          loop,
		connMetrics:   connMetrics,
		shaperMetrics: shaperMetrics,
		noisy:         logging.NewNoisyGuard(time.Second, 5),
		udp:           udp,
	}
	c.conn = proto.NewConn(proto.RoleEndpoint, uint64(now.UnixNano()), now, cfg.ResetWindow, cfg.SendTimeout, proto.Callbacks{
		HandleAlloc: func(a wire.Alloc) {
			c.shaper.HandleAlloc(a)
		},
		SetTimer: func(at time.Time) {
			c.armTimer(at)
		},
		CancelTimer: func() {
			c.mu.Lock()
			c.timerGen++
			c.mu.Unlock()
		},
		TriggerRequest: func() {
			// a forced reset invalidates in-flight requests; the next
			// timeslot-advance tick's MaybeSendRequest call picks up
			// outstanding demand on its own schedule, so there is
			// nothing further to do here.
		},
	})
	c.shaper = shaper.New(c.conn, cfg.MaxAReqEntries, now, cfg.RequestCost, cfg.RequestMaxBurst, cfg.RequestMinGap)

	return c, nil
}

func (c *client) armTimer(at time.Time) {
	c.mu.Lock()
	c.timerGen++
	gen := c.timerGen
	c.mu.Unlock()

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	_ = c.loop.ScheduleTimer(delay, func() {
		c.mu.Lock()
		stale := c.timerGen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.conn.HandleTimeout(time.Now())
	})
}

// run reads ALLOC/ACK datagrams from the arbiter on a dedicated goroutine
// and hands each to the event loop, and separately drives the periodic
// request-pacing and timeslot-advance ticks.
func (c *client) run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.udp.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, err := c.udp.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					errCh <- nil
					return
				}
				errCh <- fmt.Errorf("fastpass-shaperd: read: %w", err)
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			_ = c.loop.ScheduleMicrotask(func() {
				c.handlePacket(pkt)
			})
		}
	}()

	ticker := time.NewTicker(c.cfg.UpdateTimeslotTimer)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case now := <-ticker.C:
			_ = c.loop.ScheduleMicrotask(func() {
				c.tick(now)
			})
		}
	}
}

func (c *client) handlePacket(pkt []byte) {
	now := time.Now()
	if err := c.conn.Receive(pkt, uint64(now.UnixNano()), now); err != nil {
		if c.noisy.Allow("receive-error") {
			c.log.Warning().Err(err).Log("failed to process inbound packet")
		}
		return
	}
	c.maybeSendRequest(now)
}

// tick advances the shaper's notion of current_timeslot, releases any
// packets due this tick, and opportunistically sends a paced request.
func (c *client) tick(now time.Time) {
	c.currentTslot += int64(c.cfg.UpdateTimeslotTimer / c.cfg.TimeslotDuration)
	c.shaper.AdvanceTimeslot(c.currentTslot, 0, int64(c.cfg.MaxDevBacklogNs), func(dst netid.ID) {
		// a real NIC driver would dequeue the head-of-line packet for dst
		// and hand it to the device here; this daemon only tracks shaping
		// state, so releasing just means the slot was used.
	})
	c.reportMetrics()
	c.maybeSendRequest(now)
}

func (c *client) maybeSendRequest(now time.Time) {
	pd, ok := c.shaper.MaybeSendRequest(now)
	if !ok {
		return
	}
	c.conn.CommitPacket(pd, now)
	buf := make([]byte, maxPacketSize)
	n, err := c.conn.EncodePacket(pd, buf, 0)
	if err != nil {
		if c.noisy.Allow("encode-error") {
			c.log.Warning().Err(err).Log("failed to encode request packet")
		}
		return
	}
	if _, err := c.udp.Write(buf[:n]); err != nil {
		if c.noisy.Allow("write-error") {
			c.log.Warning().Err(err).Log("failed to write request packet")
		}
	}
}

func (c *client) reportMetrics() {
	cur := c.conn.Counters
	if d := cur.Duplicate - c.lastCtr.Duplicate; d > 0 {
		c.connMetrics.Duplicate.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := cur.OutOfWindow - c.lastCtr.OutOfWindow; d > 0 {
		c.connMetrics.OutOfWindow.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := cur.BadChecksum - c.lastCtr.BadChecksum; d > 0 {
		c.connMetrics.BadChecksum.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := cur.RedundantReset - c.lastCtr.RedundantReset; d > 0 {
		c.connMetrics.RedundantReset.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := cur.FallOffOutwnd - c.lastCtr.FallOffOutwnd; d > 0 {
		c.connMetrics.FallOffOutwnd.WithLabelValues("arbiter").Add(float64(d))
	}
	c.lastCtr = cur

	sm := c.shaper.Metrics()
	if d := sm.MissedTimeslots - c.lastShaperCtr.MissedTimeslots; d > 0 {
		c.shaperMetrics.MissedTimeslots.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := sm.LateGrants - c.lastShaperCtr.LateGrants; d > 0 {
		c.shaperMetrics.LateGrants.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := sm.FarFutureGrants - c.lastShaperCtr.FarFutureGrants; d > 0 {
		c.shaperMetrics.FarFutureGrants.WithLabelValues("arbiter").Add(float64(d))
	}
	if d := sm.ForcedResets - c.lastShaperCtr.ForcedResets; d > 0 {
		c.shaperMetrics.ForcedResets.WithLabelValues("arbiter").Add(float64(d))
	}
	c.lastShaperCtr = sm
}

// syntheticTrafficGenerator periodically enqueues demand toward a random
// managed destination, standing in for a real application's outgoing
// packet stream (there being no NIC capture in this daemon).
func (c *client) syntheticTrafficGenerator(ctx context.Context, maxNodes int, meanInterval time.Duration) {
	if maxNodes <= 0 {
		return
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		wait := time.Duration(float64(meanInterval) * (0.5 + r.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		dst := netid.ID(r.Intn(maxNodes))
		_ = c.loop.ScheduleMicrotask(func() {
			c.shaper.EnqueuePacket(dst, 1)
		})
	}
}
