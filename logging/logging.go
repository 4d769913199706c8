// Package logging wires the arbiter and shaper daemons' structured logging,
// following the same stumpy-backed logiface pattern as
// logiface-stumpy's own examples (stumpy.L.New(...)), and throttles
// high-frequency protocol events (bad checksums, duplicate drops) with
// github.com/joeycumines/go-catrate so a misbehaving peer cannot flood the
// log.
package logging

import (
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout this module.
type Logger = logiface.Logger[*stumpy.Event]

// New builds the process-wide logger, tagging every line with a generated
// instance id so log lines from concurrent arbiter/shaper processes (or
// successive resets of the same connection) can be told apart.
func New() *Logger {
	base := stumpy.L.New(stumpy.L.WithStumpy())
	return base.Clone().Str("instance", uuid.NewString()).Logger()
}

// NoisyGuard throttles repeated log lines about the same recurring
// condition (e.g. one peer sending bad checksums) to a bounded rate,
// instead of either logging every occurrence or suppressing the condition
// entirely.
type NoisyGuard struct {
	limiter *catrate.Limiter
}

// NewNoisyGuard builds a NoisyGuard allowing at most burst events in window
// per category, and at most 10x that over 10x the window (a coarser,
// longer-horizon cap), mirroring catrate's multi-window design.
func NewNoisyGuard(window time.Duration, burst int) *NoisyGuard {
	return &NoisyGuard{limiter: catrate.NewLimiter(map[time.Duration]int{
		window:      burst,
		window * 10: burst * 10,
	})}
}

// Allow reports whether an event in category should be logged now. Events
// beyond the configured rate are still counted by the caller (via its own
// counters) but should not also spam the log.
func (g *NoisyGuard) Allow(category string) bool {
	if g == nil {
		return true
	}
	_, ok := g.limiter.Allow(category)
	return ok
}
