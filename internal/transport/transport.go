// Package transport implements C8, the resilient transport stage: a
// circuit breaker and token-bucket rate limiter guarding a
// BrokerClient, with an on-disk fallback store and a scheduled replay
// sweep that drains it once the broker recovers.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/circuit"
	"securelog-core/pkg/clock"
	"securelog-core/pkg/fallback"
	"securelog-core/pkg/ratelimit"
)

// BrokerClient is the minimal interface transport depends on, satisfied
// by pkg/broker.KafkaClient.
type BrokerClient interface {
	Send(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// Config controls retry attempts and the replay sweep interval.
type Config struct {
	Topic          string
	MaxAttempts    int
	RetryDelay     time.Duration
	ReplayInterval time.Duration
	SendTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Transport ties the breaker, rate limiter, broker client, and fallback
// store together behind a single Send(bytes) entry point.
type Transport struct {
	cfg     Config
	logger  *logrus.Logger
	clk     clock.Source
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	broker  BrokerClient
	store   *fallback.Store

	replayCancel context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs a Transport.
func New(cfg Config, logger *logrus.Logger, clk clock.Source, breaker *circuit.Breaker, limiter *ratelimit.Limiter, broker BrokerClient, store *fallback.Store) *Transport {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Transport{cfg: cfg, logger: logger, clk: clk, breaker: breaker, limiter: limiter, broker: broker, store: store}
}

// Send implements C8's send(bytes) algorithm: acquire a rate-limit
// token, then ask the breaker to execute the broker call with bounded
// retries; any failure along the way routes bytes to the fallback
// store instead of being dropped.
func (t *Transport) Send(ctx context.Context, bytes []byte) error {
	if !t.limiter.Allow() {
		metrics.RateLimiterRejectedTotal.Inc()
		return t.toFallback(bytes, "rate_limited")
	}

	start := t.clk.Now()
	err := t.breaker.Execute(func() error {
		return t.sendWithRetries(ctx, bytes)
	})
	metrics.BrokerSendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return t.toFallback(bytes, "broker_failure")
	}
	return nil
}

func (t *Transport) sendWithRetries(ctx context.Context, bytes []byte) error {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
		err := t.broker.Send(sendCtx, t.cfg.Topic, nil, bytes)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			metrics.BrokerErrorsTotal.WithLabelValues("permanent").Inc()
			return err
		}
		metrics.BrokerErrorsTotal.WithLabelValues("transient").Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clk.After(t.cfg.RetryDelay):
		}
	}
	return lastErr
}

// isRetryable checks structurally for a Retryable() bool method so
// transport stays decoupled from the broker package's concrete error
// type; errors that don't implement it are assumed retryable.
func isRetryable(err error) bool {
	if ce, ok := err.(interface{ Retryable() bool }); ok {
		return ce.Retryable()
	}
	return true
}

func (t *Transport) toFallback(bytes []byte, reason string) error {
	if err := t.store.Write(bytes); err != nil {
		t.logger.WithError(err).WithField("reason", reason).Error("transport: fallback write failed, record dropped")
		return fmt.Errorf("transport: fallback write failed: %w", err)
	}
	return nil
}

// StartReplay launches a background sweep that, every ReplayInterval
// while the breaker is not open, drains the fallback store through the
// broker.
func (t *Transport) StartReplay(ctx context.Context) {
	replayCtx, cancel := context.WithCancel(ctx)
	t.replayCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := t.clk.NewTicker(t.cfg.ReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-replayCtx.Done():
				return
			case <-ticker.C():
				t.ReplayNow(replayCtx)
			}
		}
	}()
}

// ReplayNow runs one replay sweep immediately, skipped entirely while
// the breaker is open.
func (t *Transport) ReplayNow(ctx context.Context) {
	if t.breaker.IsOpen() {
		return
	}
	err := t.store.Replay(ctx, func(data []byte) error {
		return t.breaker.Execute(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
			defer cancel()
			return t.broker.Send(sendCtx, t.cfg.Topic, nil, data)
		})
	})
	if err != nil {
		t.logger.WithError(err).Warn("transport: replay sweep stopped early")
	}
}

// DisableReplay cancels the scheduled replay sweep.
func (t *Transport) DisableReplay() {
	if t.replayCancel != nil {
		t.replayCancel()
	}
}

// Close stops replay and closes the broker client.
func (t *Transport) Close() error {
	t.DisableReplay()
	t.wg.Wait()
	return t.broker.Close()
}

// ResetCircuitBreaker forces the breaker back to closed, for the admin
// surface's reset_circuit_breaker operation.
func (t *Transport) ResetCircuitBreaker() {
	t.breaker.Reset()
}
