// Package dedup collapses concurrent identical requests into a single call.
//
// The first caller for a fingerprint starts the call; later callers join it
// and receive the same value or error. The pending entry is removed as soon
// as the call returns, after the result has been handed to every waiter, so
// a caller arriving afterwards starts a fresh call. A caller may stop
// waiting through its context without affecting the call or the other
// waiters.
package dedup

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for request coalescing.
var (
	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vrc_dedup_coalesced_total",
		Help: "Total number of callers that joined an in-flight identical request",
	})

	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vrc_dedup_abandoned_total",
		Help: "Total number of callers that stopped waiting for an in-flight request",
	})

	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vrc_dedup_inflight",
		Help: "Number of distinct requests currently in flight",
	})
)

// Group is the registry of in-flight calls keyed by fingerprint.
type Group struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// New creates an empty Group.
func New() *Group {
	return &Group{}
}

// Do joins the in-flight call for fingerprint or starts fn if there is none.
// fn runs on its own goroutine and must not depend on the caller's context;
// shared reports whether the result came from a call started by another
// caller.
func (g *Group) Do(ctx context.Context, fingerprint string, fn func() (any, error)) (v any, shared bool, err error) {
	started := false
	ch := g.sf.DoChan(fingerprint, func() (any, error) {
		started = true
		inflightGauge.Set(float64(g.inflight.Add(1)))
		defer func() { inflightGauge.Set(float64(g.inflight.Add(-1))) }()
		return fn()
	})

	select {
	case res := <-ch:
		if !started {
			coalescedTotal.Inc()
		}
		return res.Val, !started, res.Err
	case <-ctx.Done():
		abandonedTotal.Inc()
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of distinct calls currently executing.
func (g *Group) InFlight() int {
	return int(g.inflight.Load())
}
