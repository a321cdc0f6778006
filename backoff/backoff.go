// Package backoff provides delay strategies between retried device sends.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n. Retry 1 follows the
	// first failed send.
	Delay(retry int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant waits the same interval before every retry. A zero interval
// retries immediately.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay on each retry up to Max. With Jitter the
// delay is drawn uniformly from [0, computed delay], which spreads the
// retries of a fleet that failed at the same moment.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// NewExponential creates an exponential strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewJittered creates an exponential strategy with full jitter.
func NewJittered(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns min(Initial * 2^(retry-1), Max), jittered if enabled.
func (e *Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(retry-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// DefaultStrategy returns the strategy used for dispatch retries:
// jittered exponential from 500ms up to 30s.
func DefaultStrategy() Strategy {
	return NewJittered(500*time.Millisecond, 30*time.Second)
}

// Wait sleeps for the strategy's delay before retry n. It returns early
// with ctx.Err() when ctx is done first.
func Wait(ctx context.Context, s Strategy, retry int) error {
	d := s.Delay(retry)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
