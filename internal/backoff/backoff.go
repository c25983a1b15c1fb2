// Package backoff implements the per-chunk rate-limit backoff
// controller: exponential delay with a cap, symmetric jitter, and a
// simple "are we still waiting" check. Every chunk gets its own
// Controller, so chunks throttle independently. The state lives as two
// plain fields rather than inside a retry loop because it has to be
// readable from /status and persisted across phase-engine fires.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Controller tracks consecutive rate-limit errors for one chunk and
// computes its backoff window.
type Controller struct {
	consecutiveErrors int
	backoffUntil      *time.Time
}

// New constructs a Controller from persisted state (e.g. loaded from the
// chunk_state row), so phase-engine fires can resume an in-progress
// backoff window across process restarts.
func New(consecutiveErrors int, backoffUntil *time.Time) *Controller {
	return &Controller{consecutiveErrors: consecutiveErrors, backoffUntil: backoffUntil}
}

// ConsecutiveErrors returns the current streak length.
func (c *Controller) ConsecutiveErrors() int { return c.consecutiveErrors }

// BackoffUntil returns the current backoff deadline, or nil if none.
func (c *Controller) BackoffUntil() *time.Time { return c.backoffUntil }

// OnSuccess resets the controller: a fire with no rate-limit errors in
// its batch clears the streak entirely.
func (c *Controller) OnSuccess() {
	c.consecutiveErrors = 0
	c.backoffUntil = nil
}

// maxConsecutiveForCap bounds the exponent so base never exceeds 32s
// before the final ceiling is applied.
const maxConsecutiveForCap = 5

// maxBackoff is the hard ceiling on the computed delay.
const maxBackoff = 60 * time.Second

// jitterFraction is the symmetric jitter applied to the computed delay.
const jitterFraction = 0.25

// OnError records a rate-limit error and advances the backoff window.
// base = 1000ms * 2^min(consecutiveErrors-1, 5), delay = min(base, 60s),
// then a symmetric ±25% uniform jitter is applied.
func (c *Controller) OnError(now time.Time) {
	c.consecutiveErrors++

	exp := c.consecutiveErrors - 1
	if exp > maxConsecutiveForCap {
		exp = maxConsecutiveForCap
	}
	base := time.Second * time.Duration(1<<uint(exp))
	delay := base
	if delay > maxBackoff {
		delay = maxBackoff
	}

	// Symmetric jitter in [-jitterFraction, +jitterFraction] of delay.
	jitter := (rand.Float64()*2 - 1) * jitterFraction
	jittered := time.Duration(float64(delay) * (1 + jitter))
	if jittered < 0 {
		jittered = 0
	}

	until := now.Add(jittered)
	c.backoffUntil = &until
}

// IsInBackoff reports whether new OCR calls should be withheld at now.
func (c *Controller) IsInBackoff(now time.Time) bool {
	return c.backoffUntil != nil && now.Before(*c.backoffUntil)
}

// RemainingReentryDelay is the phase-engine re-entry cadence while in
// backoff: min(backoff_remaining+100ms, 5s).
func (c *Controller) RemainingReentryDelay(now time.Time) time.Duration {
	if c.backoffUntil == nil {
		return 0
	}
	remaining := c.backoffUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	d := remaining + 100*time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
