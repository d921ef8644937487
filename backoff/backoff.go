// Package backoff provides retry delay strategies for failed work units.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes how long a failed unit waits before it becomes
// claimable again.
type Strategy interface {
	// Delay returns the wait after the given attempt failed. attempt is the
	// unit's AttemptCount at failure time, so the first failure passes 1.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay with the attempt number.
// Delay = min(Base * attempt, Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(base, maxDelay time.Duration) *Linear {
	return &Linear{Base: base, Max: maxDelay}
}

// Delay returns Base * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := l.Base * time.Duration(attempt)
	if l.Max > 0 && (d > l.Max || d < 0) {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^attempt, Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^attempt, capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(exponential(e.Base, e.Max, attempt))
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to the exponential delay.
// Delay = random value in [0, min(Base * 2^attempt, Max)].
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^attempt, Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * exponential(e.Base, e.Max, attempt)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func exponential(base, maxDelay time.Duration, attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if maxDelay > 0 && d > float64(maxDelay) {
		return float64(maxDelay)
	}
	if d > math.MaxInt64 {
		return math.MaxInt64
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the strategy used when none is configured:
// Exponential with a 1s base and a 5m cap.
func DefaultStrategy() Strategy {
	return NewExponential(1*time.Second, 5*time.Minute)
}
