// Package backoff computes retry delays and clamps transport pacing hints.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/you/chatrelay/internal/core"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 0.25

	// RateLimitFactor stretches the delay after a RateLimited failure.
	RateLimitFactor = 2

	RecommendedFloor   = time.Second
	RecommendedCeiling = 5 * time.Second
	MandatoryFloor     = 500 * time.Millisecond
	MandatoryCeiling   = 30 * time.Second
)

// Backoff is a capped exponential delay with symmetric jitter. Successive
// delays never shrink until Reset, even when jitter draws low. The retry
// count is unbounded.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	last    time.Duration
	rand    func() float64
}

// New returns a backoff with the process defaults (1s base, 60s cap, 25%).
func New() *Backoff {
	return &Backoff{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.raw()
	if d < b.max() {
		b.attempt++
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	d = min(max(d, b.last), b.max())
	b.last = d
	return d
}

// NextFor is Next for a failure of the given kind. Rate-limited failures
// wait RateLimitFactor times longer, past the cap if need be.
func (b *Backoff) NextFor(kind core.ErrorKind) time.Duration {
	d := b.Next()
	if kind == core.ErrRateLimited {
		d *= RateLimitFactor
	}
	return d
}

// Reset returns the sequence to Base after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempt is the doubling step reached since the last Reset. It stops
// growing once the cap is hit.
func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) raw() time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBase
	}
	d := base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max() {
			return b.max()
		}
	}
	if d > b.max() {
		return b.max()
	}
	return d
}

func (b *Backoff) max() time.Duration {
	if b.Max <= 0 {
		return DefaultMax
	}
	return b.Max
}

// WaitFor turns a transport hint into the delay before the next request.
// Recommended hints are clamped into a short band, mandatory hints are
// honored up to the ceiling, server minimums are never undercut.
func WaitFor(h core.WaitHint, fallback time.Duration) time.Duration {
	switch h.Kind {
	case core.WaitRecommended:
		return clamp(h.Duration, RecommendedFloor, RecommendedCeiling)
	case core.WaitMandatory:
		return clamp(h.Duration, MandatoryFloor, MandatoryCeiling)
	case core.WaitServerMinimum:
		if h.Duration < fallback {
			return fallback
		}
		return h.Duration
	}
	return fallback
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
