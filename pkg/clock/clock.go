// Package clock provides an injectable time source so components with
// timing-sensitive logic (circuit breaker backoff, dedup TTLs, DEK
// rotation) can be driven deterministically in tests.
package clock

import "time"

// Source is the minimal time API the rest of the module depends on
// instead of calling time.Now/time.After directly.
type Source interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so fakes can control firing.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Source backed by the standard library clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker        { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Fake is a manually advanced Source for deterministic tests.
type Fake struct {
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{clock: f, interval: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
}

// Advance moves the fake clock forward by d, firing any After waiters
// whose deadline has passed. Tickers returned by NewTicker are not
// driven by Advance and never fire.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !f.now.Before(w.at) {
			select {
			case w.ch <- f.now:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}
