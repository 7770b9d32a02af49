// Package circuit implements the transport stage's circuit breaker:
// closed/open/half-open state machine guarding the broker send path,
// with exponential backoff on repeated trips so a broker outage does
// not get hammered with retries at a fixed interval.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/clock"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of the breaker's counters.
type Stats struct {
	State         State
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
	CurrentBackoff time.Duration
}

// Config controls trip thresholds and backoff behavior.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	HalfOpenMaxCalls int
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 5
	}
}

// Breaker protects a downstream call, opening after FailureThreshold
// consecutive failures and backing off with doubling delay on each
// successive trip, capped at MaxBackoff, resetting to BaseBackoff once
// the breaker closes again.
type Breaker struct {
	config Config
	logger *logrus.Logger
	clk    clock.Source

	mu sync.Mutex

	state         State
	failures      int64
	successes     int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetry     time.Time
	backoff       time.Duration

	halfOpenCalls     int
	halfOpenSuccesses int

	onStateChange func(from, to State)
}

// New constructs a Breaker. clk may be nil to use the real clock.
func New(cfg Config, logger *logrus.Logger, clk clock.Source) *Breaker {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{config: cfg, logger: logger, clk: clk, state: Closed, backoff: cfg.BaseBackoff}
}

// Execute runs fn under the breaker's protection. It is split into
// three phases so the lock is never held during fn's execution: a
// pre-check phase, an unlocked call phase, and a post-accounting phase.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.requests++

	if b.state == Open {
		if b.clk.Now().Before(b.nextRetry) {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		b.setStateLocked(HalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}

	if b.state == HalfOpen {
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is half-open (max calls reached)", b.config.Name)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailureLocked(err)
		if b.shouldTripLocked() {
			b.tripLocked()
		}
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) shouldTripLocked() bool {
	return b.state == Closed && b.failures >= int64(b.config.FailureThreshold)
}

// tripLocked opens the breaker. A trip from Closed keeps the current
// backoff (BaseBackoff after a close or Reset); a reopen from HalfOpen
// doubles it, capped at MaxBackoff.
func (b *Breaker) tripLocked() {
	if b.state == HalfOpen {
		b.backoff *= 2
		if b.backoff > b.config.MaxBackoff {
			b.backoff = b.config.MaxBackoff
		}
	}
	b.setStateLocked(Open)
	b.nextRetry = b.clk.Now().Add(b.backoff)
	metrics.BreakerBackoffSeconds.Set(b.backoff.Seconds())

	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":    b.config.Name,
			"failures":   b.failures,
			"backoff":    b.backoff,
			"next_retry": b.nextRetry,
		}).Warn("circuit breaker opened")
	}
}

func (b *Breaker) onFailureLocked(err error) {
	b.failures++
	b.lastFailure = b.clk.Now()
	if b.state == HalfOpen {
		b.tripLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	b.successes++
	b.lastSuccess = b.clk.Now()

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setStateLocked(Closed)
			b.resetLocked()
		}
	case Closed:
		b.failures = 0
	}
}

// resetLocked clears failure accounting and returns backoff to its
// base value, since the breaker just proved the downstream is healthy.
func (b *Breaker) resetLocked() {
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetry = time.Time{}
	b.backoff = b.config.BaseBackoff
}

func (b *Breaker) setStateLocked(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	metrics.BreakerState.Set(float64(newState))
	if b.onStateChange != nil {
		b.onStateChange(old, newState)
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":   b.config.Name,
			"old_state": old.String(),
			"new_state": newState.String(),
		}).Info("circuit breaker state changed")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(Closed)
	b.resetLocked()
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:          b.state,
		Failures:       b.failures,
		Successes:      b.successes,
		Requests:       b.requests,
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
		NextRetryTime:  b.nextRetry,
		CurrentBackoff: b.backoff,
	}
}

// SetStateChangeCallback registers fn to be invoked on every transition.
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
