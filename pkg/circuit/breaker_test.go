package circuit

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/clock"
)

func newTestBreaker(t *testing.T, fc *clock.Fake) *Breaker {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(Config{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		BaseBackoff:      time.Second,
		MaxBackoff:       4 * time.Second,
		HalfOpenMaxCalls: 1,
	}, logger, fc)
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(t, fc)

	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Execute(failing))
	assert.Equal(t, Closed, b.State())
	require.Error(t, b.Execute(failing))
	assert.Equal(t, Open, b.State())

	err := b.Execute(func() error { return nil })
	assert.Error(t, err, "should reject while open")
}

func TestBreaker_BackoffDoublesOnRepeatedTrip(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(t, fc)
	failing := func() error { return errors.New("boom") }

	b.Execute(failing)
	b.Execute(failing)
	require.Equal(t, Open, b.State())
	assert.Equal(t, time.Second, b.Stats().CurrentBackoff)

	fc.Advance(2 * time.Second)
	require.Error(t, b.Execute(failing)) // half-open probe fails -> retrip
	assert.Equal(t, 2*time.Second, b.Stats().CurrentBackoff)
}

func TestBreaker_ClosesAfterHalfOpenSuccess(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(t, fc)
	failing := func() error { return errors.New("boom") }

	b.Execute(failing)
	b.Execute(failing)
	require.Equal(t, Open, b.State())

	fc.Advance(2 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}
