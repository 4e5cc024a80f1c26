package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

// Prometheus metrics for the provider throttle gate.
var (
	gateBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vrc_ratelimit_blocks_total",
		Help: "Total number of times the provider throttle gate was armed",
	})

	gateWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vrc_ratelimit_gate_waits_total",
		Help: "Total number of requests held back by an armed throttle gate",
	})

	gateBlockedSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vrc_ratelimit_blocked_seconds",
		Help: "Length of the most recently armed throttle block in seconds",
	})
)

// Gate holds every outbound request while the provider throttle is active.
type Gate struct {
	mu     sync.Mutex
	state  ThrottleState
	clock  clock.Clock
	logger zerolog.Logger
}

// NewGate creates an open gate.
func NewGate(clk clock.Clock, logger zerolog.Logger) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	return &Gate{
		clock:  clk,
		logger: logger,
	}
}

// State returns a copy of the current throttle state.
func (g *Gate) State() ThrottleState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// BlockFor arms the gate for d. An existing longer block is kept.
func (g *Gate) BlockFor(d time.Duration, reason string) {
	if d <= 0 {
		return
	}

	now := g.clock.Now()
	until := now.Add(d)

	g.mu.Lock()
	extended := until.After(g.state.BlockedUntil)
	if extended {
		g.state.BlockedUntil = until
		g.state.Reason = reason
	}
	g.state.LastUpdate = now
	g.state.Blocks++
	g.mu.Unlock()

	gateBlocksTotal.Inc()
	if !extended {
		return
	}

	gateBlockedSeconds.Set(d.Seconds())
	g.logger.Warn().
		Dur("block", d).
		Time("blocked_until", until).
		Str("reason", reason).
		Msg("Provider throttle active - holding all requests")
}

// Wait blocks while the gate is armed. It returns ctx.Err() if the caller
// gives up first.
func (g *Gate) Wait(ctx context.Context) error {
	waited := false
	for {
		now := g.clock.Now()
		state := g.State()
		if !state.IsBlocked(now) {
			if waited {
				g.logger.Debug().Msg("Provider throttle cleared")
			}
			return nil
		}

		if !waited {
			gateWaitsTotal.Inc()
			waited = true
		}
		if !clock.Sleep(g.clock, state.TimeUntilReset(now), ctx.Done()) {
			return ctx.Err()
		}
	}
}
