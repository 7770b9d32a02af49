// Package ratelimit guards the transport stage's send path with a
// fixed-rate token bucket. The teacher service this codebase descends
// from adapts its rate to observed downstream latency; the pipeline
// core has a single fixed budget per deployment, so this is a
// simplification of that idea down to golang.org/x/time/rate's token
// bucket, wrapped with the same Stats-reporting shape used elsewhere.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Config controls the token bucket's sustained rate and burst capacity.
type Config struct {
	RPS   int
	Burst int
}

func (c *Config) applyDefaults() {
	if c.RPS <= 0 {
		c.RPS = 20000
	}
	if c.Burst <= 0 {
		c.Burst = c.RPS
	}
}

// Stats is a snapshot of limiter activity.
type Stats struct {
	Allowed  int64
	Rejected int64
}

// Limiter is a fixed-rate, non-blocking token bucket.
type Limiter struct {
	limiter  *rate.Limiter
	allowed  atomic.Int64
	rejected atomic.Int64
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
}

// Allow reports whether a single unit of work may proceed right now,
// without blocking.
func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		l.allowed.Add(1)
		return true
	}
	l.rejected.Add(1)
	return false
}

// Wait blocks until a token is available or ctx is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		l.rejected.Add(1)
		return err
	}
	l.allowed.Add(1)
	return nil
}

// Stats returns a snapshot of allowed/rejected counts.
func (l *Limiter) Stats() Stats {
	return Stats{Allowed: l.allowed.Load(), Rejected: l.rejected.Load()}
}
