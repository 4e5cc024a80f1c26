// Package suppress short-circuits repeated calls to a request that failed
// moments ago.
//
// The cooldown is deliberately short (seconds): it absorbs UI re-render
// storms that would otherwise re-issue the same doomed call many times per
// second. Records expire on their own; nothing has to clean them up.
package suppress

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

// DefaultCooldown is used when Record is called with a non-positive cooldown.
const DefaultCooldown = 5 * time.Second

var suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vrc_suppressed_requests_total",
	Help: "Total number of requests short-circuited by a recent identical failure",
})

// FailureRecord remembers the last failure of a request fingerprint.
type FailureRecord struct {
	Fingerprint string
	FailedAt    time.Time
	Cooldown    time.Duration
	Err         error
}

// Live reports whether the record still suppresses calls at now.
func (r FailureRecord) Live(now time.Time) bool {
	return now.Sub(r.FailedAt) < r.Cooldown
}

// Remaining returns how long the record stays live after now.
func (r FailureRecord) Remaining(now time.Time) time.Duration {
	d := r.FailedAt.Add(r.Cooldown).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Suppressor tracks recently failed fingerprints.
type Suppressor struct {
	records *xsync.MapOf[string, FailureRecord]
	clock   clock.Clock
}

// New creates an empty suppressor.
func New(clk clock.Clock) *Suppressor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Suppressor{
		records: xsync.NewMapOf[string, FailureRecord](),
		clock:   clk,
	}
}

// Record stores or overwrites the failure record for fingerprint.
func (s *Suppressor) Record(fingerprint string, err error, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	s.records.Store(fingerprint, FailureRecord{
		Fingerprint: fingerprint,
		FailedAt:    s.clock.Now(),
		Cooldown:    cooldown,
		Err:         err,
	})
}

// Lookup returns the live record for fingerprint. Expired records are
// dropped on the way out.
func (s *Suppressor) Lookup(fingerprint string) (FailureRecord, bool) {
	now := s.clock.Now()
	rec, ok := s.records.Compute(fingerprint, func(old FailureRecord, loaded bool) (FailureRecord, bool) {
		if !loaded || !old.Live(now) {
			return FailureRecord{}, true
		}
		return old, false
	})
	if !ok {
		return FailureRecord{}, false
	}
	return rec, true
}

// IsSuppressed reports whether a live record exists for fingerprint.
func (s *Suppressor) IsSuppressed(fingerprint string) bool {
	if _, ok := s.Lookup(fingerprint); ok {
		suppressedTotal.Inc()
		return true
	}
	return false
}

// Clear removes the record for fingerprint, typically after a success.
func (s *Suppressor) Clear(fingerprint string) {
	s.records.Delete(fingerprint)
}

// Sweep drops every expired record and returns how many were removed.
func (s *Suppressor) Sweep() int {
	now := s.clock.Now()
	var expired []string
	s.records.Range(func(fp string, rec FailureRecord) bool {
		if !rec.Live(now) {
			expired = append(expired, fp)
		}
		return true
	})

	removed := 0
	for _, fp := range expired {
		_, present := s.records.Compute(fp, func(old FailureRecord, loaded bool) (FailureRecord, bool) {
			return old, !loaded || !old.Live(now)
		})
		if !present {
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, live or not.
func (s *Suppressor) Len() int {
	return s.records.Size()
}

// Reset drops every record.
func (s *Suppressor) Reset() {
	s.records.Clear()
}
