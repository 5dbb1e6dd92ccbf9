// Package job holds engine-adjacent policies for scrape jobs.
package job

import (
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidBackoff indicates the policy was constructed with a non-positive
// base delay or a factor below one.
var ErrInvalidBackoff = errors.New("backoff base must be positive and factor >= 1")

// Default backoff schedule: 5s, 25s, 125s between attempts.
const (
	DefaultBackoffBase   = 5 * time.Second
	DefaultBackoffFactor = 5
	DefaultBackoffCap    = 10 * time.Minute
)

// BackoffPolicy maps an attempt number to the delay inserted before the next
// attempt. Delay is total and deterministic unless jitter is enabled.
type BackoffPolicy struct {
	base   time.Duration
	factor int
	cap    time.Duration
	jitter bool
}

// NewBackoffPolicy constructs a policy with delay = base * factor^(attempt-1),
// capped at cap (0 means DefaultBackoffCap).
func NewBackoffPolicy(base time.Duration, factor int, cap time.Duration) (*BackoffPolicy, error) {
	if base <= 0 || factor < 1 {
		return nil, ErrInvalidBackoff
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &BackoffPolicy{base: base, factor: factor, cap: cap}, nil
}

// DefaultBackoff returns the 5s/25s/125s schedule.
func DefaultBackoff() *BackoffPolicy {
	p, err := NewBackoffPolicy(DefaultBackoffBase, DefaultBackoffFactor, DefaultBackoffCap)
	if err != nil {
		panic(err) // unreachable with constant inputs
	}
	return p
}

// WithJitter returns a copy of the policy that spreads each delay uniformly
// over [delay, 1.25*delay]. Expected delay stays monotonically non-decreasing.
func (p *BackoffPolicy) WithJitter() *BackoffPolicy {
	out := *p
	out.jitter = true
	return &out
}

// Delay returns the wait before the attempt following attempt number n
// (1-based: Delay(1) is the wait after the first failed attempt).
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.base
	for i := 1; i < attempt; i++ {
		d *= time.Duration(p.factor)
		if d >= p.cap || d <= 0 {
			d = p.cap
			break
		}
	}
	if d > p.cap {
		d = p.cap
	}

	if p.jitter {
		d += time.Duration(rand.Int64N(int64(d)/4 + 1))
		if d > p.cap {
			d = p.cap
		}
	}
	return d
}
