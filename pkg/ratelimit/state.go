// Package ratelimit shapes outbound traffic to the remote API.
//
// Two mechanisms cooperate:
//
//   - TokenBucket keeps the local request rate under the provider's observed
//     ceiling so that 429 responses are prevented rather than reacted to.
//   - Gate pauses every request while the provider has asked us to back off
//     (a 429 carrying Retry-After), because throttling is applied per account
//     and not per endpoint.
package ratelimit

import (
	"time"
)

// ThrottleState is a snapshot of the provider-side throttle.
type ThrottleState struct {
	// BlockedUntil is when requests may resume. Zero when never blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// Reason describes what armed the block (e.g. "429 GET /groups/grp_1").
	Reason string `json:"reason"`

	// LastUpdate is when the block was last armed.
	LastUpdate time.Time `json:"last_update"`

	// Blocks counts how many times the gate has been armed.
	Blocks int `json:"blocks"`
}

// IsBlocked reports whether requests must still wait at now.
func (s ThrottleState) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the remaining block duration at now.
// Returns 0 if the block has already expired.
func (s ThrottleState) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
