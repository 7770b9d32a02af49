package dedup

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/clock"
	"securelog-core/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTemplate_NormalizesDigitRuns(t *testing.T) {
	assert.Equal(t, "user {} failed login {} times", Template("user 4821 failed login 7 times"))
	assert.Equal(t, "no digits here", Template("no digits here"))
}

func rec(level types.Level, message string) *types.LogRecord {
	return &types.LogRecord{Level: level, Message: message}
}

func TestCheck_FirstOccurrenceIsNotDuplicate(t *testing.T) {
	d := New(Config{TTL: time.Minute}, nil, clock.NewFake(time.Now()), nil)
	assert.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))
}

func TestCheck_SubsequentWithinTTLIsDuplicate(t *testing.T) {
	d := New(Config{TTL: time.Minute}, nil, clock.NewFake(time.Now()), nil)
	assert.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))
	assert.True(t, d.Check(rec(types.LevelError, "disk full on node 9")), "same template, different digits, should collapse")
}

func TestCheck_DifferentLevelIsNotDuplicate(t *testing.T) {
	d := New(Config{TTL: time.Minute}, nil, clock.NewFake(time.Now()), nil)
	assert.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))
	assert.False(t, d.Check(rec(types.LevelWarn, "disk full on node 7")), "level is part of the signature")
}

func TestCheck_AfterTTLExpiryIsTreatedAsNewOccurrence(t *testing.T) {
	fake := clock.NewFake(time.Now())
	var summaries []*types.LogRecord
	d := New(Config{TTL: time.Minute}, testLogger(), fake, func(s *types.LogRecord) { summaries = append(summaries, s) })

	assert.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))
	assert.True(t, d.Check(rec(types.LevelError, "disk full on node 9")))

	fake.Advance(2 * time.Minute)
	assert.False(t, d.Check(rec(types.LevelError, "disk full on node 1")), "window expired, this is a fresh occurrence")
}

func TestPerformCleanup_EmitsSummaryForRepeatedEntry(t *testing.T) {
	fake := clock.NewFake(time.Now())
	d := New(Config{TTL: time.Minute}, testLogger(), fake, nil)

	require.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))
	require.True(t, d.Check(rec(types.LevelError, "disk full on node 9")))

	fake.Advance(2 * time.Minute)
	d.performCleanup()

	select {
	case summary := <-d.emitCh:
		assert.Equal(t, 2, summary.RepeatCount)
		assert.Contains(t, summary.Message, "[repeated]")
	default:
		t.Fatal("expected a summary to be queued for emission after TTL expiry")
	}
}

func TestPerformCleanup_NoSummaryForSingleOccurrenceExpiry(t *testing.T) {
	fake := clock.NewFake(time.Now())
	d := New(Config{TTL: time.Minute}, testLogger(), fake, nil)

	require.False(t, d.Check(rec(types.LevelError, "disk full on node 7")))

	fake.Advance(2 * time.Minute)
	d.performCleanup()

	select {
	case <-d.emitCh:
		t.Fatal("a template seen only once must not produce a repeat summary")
	default:
	}
}

func TestCheck_CapacityEviction_NoSummaryForSingleOccurrence(t *testing.T) {
	d := New(Config{TTL: time.Hour, MaxEntries: 1}, testLogger(), clock.NewFake(time.Now()), nil)

	d.Check(rec(types.LevelError, "first template"))
	d.Check(rec(types.LevelError, "second template"))

	select {
	case <-d.emitCh:
		t.Fatal("capacity eviction of a single-occurrence entry must not emit a summary")
	default:
	}
}

func TestCheck_CapacityEviction_NoSummaryEvenWithRepeatedOccurrences(t *testing.T) {
	d := New(Config{TTL: time.Hour, MaxEntries: 1}, testLogger(), clock.NewFake(time.Now()), nil)

	require.False(t, d.Check(rec(types.LevelError, "first template")))
	require.True(t, d.Check(rec(types.LevelError, "first template")), "second hit on the same template should be a duplicate")

	d.Check(rec(types.LevelError, "second template"))

	select {
	case <-d.emitCh:
		t.Fatal("capacity eviction must never emit a summary, even for an entry with count > 1")
	default:
	}
}
