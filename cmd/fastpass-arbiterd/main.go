// Command fastpass-arbiterd runs the centralized timeslot arbiter: it
// terminates one reliability connection per endpoint, feeds requested
// demand into the admission pipeline, and ships back ALLOC grants as the
// scheduler admits timeslots.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fastpass-project/fastpass/config"
	"github.com/fastpass-project/fastpass/logging"
	"github.com/fastpass-project/fastpass/metrics"
	"github.com/fastpass-project/fastpass/sched"
	"github.com/fastpass-project/fastpass/topology"
	"github.com/joeycumines/go-eventloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		flagListen   = pflag.String("listen", "", "override FASTPASS_LISTEN")
		flagTopology = pflag.String("topology", "", "override FASTPASS_TOPOLOGY")
	)
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New()

	cfg, err := config.LoadArbiter(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *flagListen != "" {
		cfg.ListenAddr = *flagListen
	}
	if *flagTopology != "" {
		cfg.TopologyPath = *flagTopology
	}

	topo, err := topology.Load(cfg.TopologyPath)
	if err != nil {
		log.Err().Str("path", cfg.TopologyPath).Err(err).Log("failed to load topology")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	schedMetrics := metrics.NewScheduler(reg)
	connMetrics := metrics.NewConn(reg)

	loop, err := eventloop.New()
	if err != nil {
		log.Err().Err(err).Log("failed to start event loop")
		os.Exit(1)
	}

	flows := sched.NewFlowTable()
	ring := sched.NewRing(sched.Config{
		NumWorkers: cfg.NumWorkers,
		BatchSize:  cfg.BatchSize,
		NumBins:    cfg.NumBins,
		Oversub:    cfg.OversubscribedRacks,
		RackOf:     topo.Rack,
	}, flows, 0)

	srv, err := newServer(cfg, log, topo, flows, ring, connMetrics, loop)
	if err != nil {
		log.Err().Err(err).Log("failed to start listener")
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return ring.Run(ctx) })
	g.Go(func() error { return srv.run(ctx) })
	g.Go(func() error { return srv.dispatchAdmissions(ctx) })
	g.Go(func() error {
		sched.Watchdog(ctx, ring.Heartbeats(), 5*time.Second, time.Second, schedMetrics, func(i int) string {
			return fmt.Sprintf("%d", i)
		})
		return nil
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Err().Err(err).Log("arbiterd exited with error")
		os.Exit(1)
	}
}
