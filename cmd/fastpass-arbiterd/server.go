package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fastpass-project/fastpass/config"
	"github.com/fastpass-project/fastpass/logging"
	"github.com/fastpass-project/fastpass/metrics"
	"github.com/fastpass-project/fastpass/netid"
	"github.com/fastpass-project/fastpass/proto"
	"github.com/fastpass-project/fastpass/sched"
	"github.com/fastpass-project/fastpass/topology"
	"github.com/fastpass-project/fastpass/wire"
	"github.com/joeycumines/go-eventloop"
	"golang.org/x/exp/slices"
)

// maxPacketSize bounds one UDP datagram; comfortably larger than any
// single RESET+ALLOC or RESET+A-REQ payload this protocol ever builds.
const maxPacketSize = 1400

// sendInterval is how often a peer's outgoing window is flushed: pending
// ALLOC grants get batched and sent, and the retransmit timer is polled.
const sendInterval = 2 * time.Millisecond

// peer is one endpoint's reliability connection, assigned node id, and
// outgoing-grant backlog.
type peer struct {
	id   netid.ID
	addr *net.UDPAddr
	conn *proto.Conn

	pendingMu sync.Mutex
	pending   []pendingGrant

	lastCumReq map[netid.ID]int64 // per-dst last-seen A-REQ cumulative count

	timerGen int
	lastCtr  proto.Counters
}

// server terminates the UDP reliability transport, maps each peer to a
// connection and a node id, and bridges A-REQ demand into the admission
// pipeline and admitted timeslots back out as ALLOC grants.
type server struct {
	cfg     config.Arbiter
	log     *logging.Logger
	topo    *topology.Table
	flows   *sched.FlowTable
	ring    *sched.Ring
	metrics *metrics.Conn
	loop    *eventloop.Loop
	noisy   *logging.NoisyGuard

	udp *net.UDPConn

	mu     sync.Mutex
	peers  map[string]*peer
	byID   map[netid.ID]*peer
	nextID netid.ID
}

func newServer(cfg config.Arbiter, log *logging.Logger, topo *topology.Table, flows *sched.FlowTable, ring *sched.Ring, connMetrics *metrics.Conn, loop *eventloop.Loop) (*server, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("fastpass-arbiterd: resolve listen addr: %w", err)
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("fastpass-arbiterd: listen: %w", err)
	}
	return &server{
		cfg:     cfg,
		log:     log,
		topo:    topo,
		flows:   flows,
		ring:    ring,
		metrics: connMetrics,
		loop:    loop,
		noisy:   logging.NewNoisyGuard(time.Second, 5),
		udp:     udp,
		peers:   make(map[string]*peer),
		byID:    make(map[netid.ID]*peer),
	}, nil
}

// run reads inbound datagrams on a dedicated goroutine and hands each one
// to the event loop (so every Conn is only ever touched from the loop
// goroutine), and separately drives the periodic per-peer send/timeout
// tick.
func (s *server) run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.udp.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, raddr, err := s.udp.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					errCh <- nil
					return
				}
				errCh <- fmt.Errorf("fastpass-arbiterd: read: %w", err)
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			addr := *raddr
			_ = s.loop.ScheduleMicrotask(func() {
				s.handlePacket(ctx, &addr, pkt)
			})
		}
	}()

	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			now := time.Now()
			_ = s.loop.ScheduleMicrotask(func() {
				s.tick(now)
			})
		}
	}
}

func (s *server) tick(now time.Time) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.conn.HandleTimeout(now)
		s.flushGrants(p, now)
		s.reportCounters(p)
	}
}

func (s *server) reportCounters(p *peer) {
	cur := p.conn.Counters
	label := p.id.String()
	if d := cur.Duplicate - p.lastCtr.Duplicate; d > 0 {
		s.metrics.Duplicate.WithLabelValues(label).Add(float64(d))
	}
	if d := cur.OutOfWindow - p.lastCtr.OutOfWindow; d > 0 {
		s.metrics.OutOfWindow.WithLabelValues(label).Add(float64(d))
	}
	if d := cur.BadChecksum - p.lastCtr.BadChecksum; d > 0 {
		s.metrics.BadChecksum.WithLabelValues(label).Add(float64(d))
	}
	if d := cur.RedundantReset - p.lastCtr.RedundantReset; d > 0 {
		s.metrics.RedundantReset.WithLabelValues(label).Add(float64(d))
	}
	if d := cur.FallOffOutwnd - p.lastCtr.FallOffOutwnd; d > 0 {
		s.metrics.FallOffOutwnd.WithLabelValues(label).Add(float64(d))
	}
	p.lastCtr = cur
}

// handlePacket resolves the sending peer (assigning a node id on first
// contact) and feeds the datagram to its connection.
func (s *server) handlePacket(ctx context.Context, addr *net.UDPAddr, pkt []byte) {
	p, err := s.peerFor(addr)
	if err != nil {
		if s.noisy.Allow("peer-capacity") {
			s.log.Warning().Str("addr", addr.String()).Log("rejecting peer: node id space exhausted")
		}
		return
	}

	now := time.Now()
	if err := p.conn.Receive(pkt, uint64(now.UnixNano()), now); err != nil {
		if s.noisy.Allow("receive-error") {
			s.log.Warning().Str("peer", p.id.String()).Err(err).Log("failed to process inbound packet")
		}
		return
	}
	s.flushGrants(p, now)
}

// peerFor returns the peer for addr, assigning it the next free node id
// on first contact. Node ids are handed out in arrival order rather than
// resolved from a MAC (there is none, over UDP); the topology table is
// still consulted for rack placement once an id is assigned, on the
// operational assumption that topology.yaml's node ids are allocated in
// the same order endpoints are expected to connect.
func (s *server) peerFor(addr *net.UDPAddr) (*peer, error) {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[key]; ok {
		return p, nil
	}
	if int(s.nextID) >= s.cfg.MaxNodes {
		return nil, fmt.Errorf("fastpass-arbiterd: node id space exhausted")
	}
	id := s.nextID
	s.nextID++

	p := &peer{
		id:         id,
		addr:       addr,
		lastCumReq: make(map[netid.ID]int64),
	}
	p.conn = proto.NewConn(proto.RoleArbiter, uint64(time.Now().UnixNano()), time.Now(), s.cfg.ResetWindow, s.cfg.SendTimeout, proto.Callbacks{
		HandleAReq: func(entries []wire.AReqEntry) {
			s.handleAReq(id, entries)
		},
		SetTimer: func(at time.Time) {
			s.armTimer(p, at)
		},
		CancelTimer: func() {
			s.mu.Lock()
			p.timerGen++
			s.mu.Unlock()
		},
	})

	s.peers[key] = p
	s.byID[id] = p
	s.log.Info().Str("addr", key).Str("node", id.String()).Log("peer connected")
	return p, nil
}

func (s *server) armTimer(p *peer, at time.Time) {
	s.mu.Lock()
	p.timerGen++
	gen := p.timerGen
	s.mu.Unlock()

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	_ = s.loop.ScheduleTimer(delay, func() {
		s.mu.Lock()
		stale := p.timerGen != gen
		s.mu.Unlock()
		if stale {
			return
		}
		p.conn.HandleTimeout(time.Now())
	})
}

// handleAReq folds one endpoint's cumulative demand counts into the
// admission pipeline's flow table and wakes the ring for each flow whose
// backlog was zero before the update.
func (s *server) handleAReq(src netid.ID, entries []wire.AReqEntry) {
	for _, e := range entries {
		dst := netid.ID(e.Dst)
		p := s.byID[src]
		last := p.lastCumReq[dst]
		cur := reconstructRequestCount(uint64(e.CumulativeCount), last)
		if cur <= last {
			continue
		}
		p.lastCumReq[dst] = cur

		flow := netid.Flow{Src: src, Dst: dst}
		if s.flows.GetOrCreate(flow).AddBacklog(cur-last) == cur-last {
			// a flow with backlog already pending is in the pipeline
			_ = s.ring.Submit(context.Background(), flow)
		}
	}
}

// reconstructRequestCount reconstructs a 64-bit cumulative request count
// from its 16-bit wire form, nearest local, mirroring the shaper's
// own alloc-report reconstruction (shaper.reconstructCount) since both
// sides wrap the same counter width.
func reconstructRequestCount(wireLow16 uint64, local int64) int64 {
	const mask16 = uint64(1)<<16 - 1
	base := (uint64(local) - (1 << 15)) &^ mask16
	candidate := base | wireLow16
	best := candidate
	bestDelta := absInt64(int64(candidate) - local)
	for _, cand := range [2]uint64{candidate + mask16 + 1, candidate - (mask16 + 1)} {
		d := absInt64(int64(cand) - local)
		if d < bestDelta {
			best, bestDelta = cand, d
		}
	}
	return int64(best)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// dispatchAdmissions drains the ring's admitted timeslots and stages each
// one as a pending grant for its source peer.
func (s *server) dispatchAdmissions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case alloc, ok := <-s.ring.Admitted():
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, adm := range alloc.Admitted {
				p, ok := s.byID[adm.Src]
				if !ok {
					continue
				}
				p.pendingMu.Lock()
				p.pending = append(p.pending, pendingGrant{dst: adm.Dst, ts: alloc.Timeslot})
				p.pendingMu.Unlock()
			}
			s.mu.Unlock()
		}
	}
}

// flushGrants builds and sends at most one packet per call carrying as
// much of p's pending ALLOC backlog as fits, per §4.2.1's field widths.
func (s *server) flushGrants(p *peer, now time.Time) {
	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	slices.SortFunc(p.pending, func(a, b pendingGrant) int {
		switch {
		case a.ts < b.ts:
			return -1
		case a.ts > b.ts:
			return 1
		default:
			return 0
		}
	})
	a, rest := buildAllocBatch(p.pending)
	p.pending = rest
	p.pendingMu.Unlock()

	if len(a.Grants) == 0 {
		return
	}

	p.conn.PrepareToSend(now)
	pd := &proto.PacketDescriptor{Alloc: &a}
	p.conn.CommitPacket(pd, now)

	buf := make([]byte, maxPacketSize)
	n, err := p.conn.EncodePacket(pd, buf, 0)
	if err != nil {
		if s.noisy.Allow("encode-error") {
			s.log.Warning().Str("peer", p.id.String()).Err(err).Log("failed to encode alloc packet")
		}
		return
	}
	if _, err := s.udp.WriteToUDP(buf[:n], p.addr); err != nil {
		if s.noisy.Allow("write-error") {
			s.log.Warning().Str("peer", p.id.String()).Err(err).Log("failed to write alloc packet")
		}
	}
}
