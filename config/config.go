// Package config loads arbiter and shaper daemon configuration from the
// environment (via envconfig), overlaying documented defaults that match
// the reference implementation's compile-time constants.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Arbiter holds the admission pipeline and control-protocol parameters
// that the reference builds as compile-time constants (MAX_NODES,
// BATCH_SIZE, NUM_BINS, WND_LOG, ...).
type Arbiter struct {
	ListenAddr string `env:"FASTPASS_LISTEN, default=0.0.0.0:9001"`
	LogLevel   string `env:"FASTPASS_LOG_LEVEL, default=info"`

	MaxNodes  int `env:"FASTPASS_MAX_NODES, default=256"`
	BatchSize int `env:"FASTPASS_BATCH_SIZE, default=8"`
	NumBins   int `env:"FASTPASS_NUM_BINS, default=64"`
	NumWorkers int `env:"FASTPASS_NUM_WORKERS, default=1"`
	WndLog    int `env:"FASTPASS_WND_LOG, default=8"`

	ResetWindow time.Duration `env:"FASTPASS_RESET_WINDOW, default=2s"`
	SendTimeout time.Duration `env:"FASTPASS_SEND_TIMEOUT, default=100ms"`

	TopologyPath string `env:"FASTPASS_TOPOLOGY, default=topology.yaml"`
	MetricsAddr  string `env:"FASTPASS_METRICS_ADDR, default=:9100"`

	OversubscribedRacks bool `env:"FASTPASS_OVERSUBSCRIBED, default=false"`
}

// Shaper holds the endpoint traffic-shaper's pacing and protocol
// parameters.
type Shaper struct {
	ArbiterAddr string `env:"FASTPASS_ARBITER_ADDR, required"`
	LogLevel    string `env:"FASTPASS_LOG_LEVEL, default=info"`

	RequestCost     time.Duration `env:"FASTPASS_REQUEST_COST, default=10ms"`
	RequestMaxBurst time.Duration `env:"FASTPASS_REQUEST_MAX_BURST, default=100ms"`
	RequestMinGap   time.Duration `env:"FASTPASS_REQUEST_MIN_GAP, default=1ms"`

	MaxAReqEntries int `env:"FASTPASS_MAX_AREQ_ENTRIES, default=15"`
	MetricsAddr    string `env:"FASTPASS_METRICS_ADDR, default=:9101"`

	ResetWindow time.Duration `env:"FASTPASS_RESET_WINDOW, default=2s"`
	SendTimeout time.Duration `env:"FASTPASS_SEND_TIMEOUT, default=100ms"`

	// TimeslotDuration is the wall-clock span of one timeslot, link rate
	// and packet quantum folded into a single duration per the glossary's
	// "Timeslot" entry.
	TimeslotDuration time.Duration `env:"FASTPASS_TIMESLOT_DURATION, default=2.5us"`
	// UpdateTimeslotTimer is the reference's update_timeslot_timer_ns: how
	// often the endpoint advances its notion of current_timeslot.
	UpdateTimeslotTimer time.Duration `env:"FASTPASS_UPDATE_TIMESLOT_TIMER, default=1ms"`
	// MaxDevBacklogNs bounds the device egress backlog, per §4.4.4: the
	// endpoint stops moving timeslots into the egress queue once it is
	// this far behind.
	MaxDevBacklogNs time.Duration `env:"FASTPASS_MAX_DEV_BACKLOG, default=50us"`

	// SyntheticTrafficNodes and SyntheticTrafficInterval configure this
	// daemon's built-in demand generator, standing in for a real
	// application's outgoing packet stream absent a NIC capture.
	SyntheticTrafficNodes    int           `env:"FASTPASS_SYNTHETIC_NODES, default=16"`
	SyntheticTrafficInterval time.Duration `env:"FASTPASS_SYNTHETIC_INTERVAL, default=5ms"`
}

// LoadArbiter reads an Arbiter configuration from the process environment.
func LoadArbiter(ctx context.Context) (Arbiter, error) {
	var c Arbiter
	if err := envconfig.Process(ctx, &c); err != nil {
		return Arbiter{}, fmt.Errorf("config: load arbiter: %w", err)
	}
	return c, nil
}

// LoadShaper reads a Shaper configuration from the process environment.
func LoadShaper(ctx context.Context) (Shaper, error) {
	var c Shaper
	if err := envconfig.Process(ctx, &c); err != nil {
		return Shaper{}, fmt.Errorf("config: load shaper: %w", err)
	}
	return c, nil
}
