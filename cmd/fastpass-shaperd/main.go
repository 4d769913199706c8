// Command fastpass-shaperd runs the endpoint traffic-shaper: it turns
// queued demand into paced A-REQ packets, applies ALLOC grants from the
// arbiter, and releases packets only at their granted timeslot.
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
	"github.com/joeycumines/go-eventloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	var flagArbiter = pflag.String("arbiter", "", "override FASTPASS_ARBITER_ADDR")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New()

	cfg, err := config.LoadShaper(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *flagArbiter != "" {
		cfg.ArbiterAddr = *flagArbiter
	}

	reg := prometheus.NewRegistry()
	connMetrics := metrics.NewConn(reg)
	shaperMetrics := metrics.NewShaper(reg)

	loop, err := eventloop.New()
	if err != nil {
		log.Err().Err(err).Log("failed to start event loop")
		os.Exit(1)
	}

	cl, err := newClient(cfg, log, connMetrics, shaperMetrics, loop)
	if err != nil {
		log.Err().Err(err).Log("failed to start client")
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return cl.run(ctx) })
	g.Go(func() error {
		cl.syntheticTrafficGenerator(ctx, cfg.SyntheticTrafficNodes, cfg.SyntheticTrafficInterval)
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
		log.Err().Err(err).Log("shaperd exited with error")
		os.Exit(1)
	}
}
