// Package dedup implements the pipeline's duplicate suppression stage:
// records are grouped by a digit-normalized template, counted within a
// bounded time window, and collapsed into a single synthetic summary
// record when the window for a template closes.
//
// The cache shape (sentinel-linked LRU list, background cleanup loop
// driven by a ticker) follows this codebase's other bounded in-memory
// caches; the template extraction and summary-emission behavior are new.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/clock"
	"securelog-core/pkg/types"
)

// Template collapses a message's variable numeric content so that
// structurally identical errors with different IDs/counts hash the same:
// each maximal run of ASCII digits becomes "{}".
func Template(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	inDigits := false
	for i := 0; i < len(message); i++ {
		c := message[i]
		if c >= '0' && c <= '9' {
			if !inDigits {
				b.WriteString("{}")
			}
			inDigits = true
			continue
		}
		inDigits = false
		b.WriteByte(c)
	}
	return b.String()
}

// Config controls window size and TTL for the dedup cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.TTL <= 0 {
		c.TTL = time.Second
	}
}

type entry struct {
	key       string
	signature string
	first     *types.LogRecord
	count     int
	lastSeen  time.Time
	prev, next *entry
}

// SummaryFunc receives a synthetic repeat-summary record when a
// template's window closes with more than one occurrence.
type SummaryFunc func(summary *types.LogRecord)

// Deduplicator suppresses duplicate records within a sliding window and
// asynchronously emits a summary record once a template goes quiet.
type Deduplicator struct {
	cfg    Config
	logger *logrus.Logger
	clk    clock.Source

	mu         sync.Mutex
	cache      map[string]*entry
	head, tail *entry

	onSummary SummaryFunc
	emitCh    chan *types.LogRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Deduplicator. onSummary is invoked from a dedicated
// goroutine, never from the caller of Check, so it must not block
// indefinitely.
func New(cfg Config, logger *logrus.Logger, clk clock.Source, onSummary SummaryFunc) *Deduplicator {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deduplicator{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		cache:     make(map[string]*entry),
		onSummary: onSummary,
		emitCh:    make(chan *types.LogRecord, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.head = &entry{}
	d.tail = &entry{}
	d.head.next = d.tail
	d.tail.prev = d.head
	return d
}

// SetSummaryCallback (re)registers the handler invoked for repeat
// summaries. Safe to call before Start.
func (d *Deduplicator) SetSummaryCallback(fn SummaryFunc) {
	d.mu.Lock()
	d.onSummary = fn
	d.mu.Unlock()
}

// Start launches the background cleanup and summary-emission workers.
func (d *Deduplicator) Start() {
	d.wg.Add(2)
	go d.cleanupLoop()
	go d.emitLoop()
}

// Stop closes every entry still open in the window as if its TTL had
// expired, halts the background workers, and then hands any queued
// repeat summaries to the summary callback on the calling goroutine.
func (d *Deduplicator) Stop() {
	d.mu.Lock()
	for e := d.tail.prev; e != d.head; e = d.tail.prev {
		d.closeLocked(e, true)
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	for {
		select {
		case summary := <-d.emitCh:
			metrics.DedupSummariesEmittedTotal.Inc()
			if d.onSummary != nil {
				d.onSummary(summary)
			}
		default:
			return
		}
	}
}

// Check reports whether rec is a duplicate of something already seen
// within the active window for its template signature. The first
// occurrence returns false; subsequent occurrences within TTL return
// true and bump the window's repeat counter.
func (d *Deduplicator) Check(rec *types.LogRecord) bool {
	sig := signature(rec)
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.cache[sig]; ok {
		if now.Sub(e.lastSeen) > d.cfg.TTL {
			d.closeLocked(e, true)
			d.insertLocked(sig, rec, now)
			return false
		}
		e.count++
		e.lastSeen = now
		d.moveToFrontLocked(e)
		metrics.DedupDuplicatesTotal.Inc()
		return true
	}

	if len(d.cache) >= d.cfg.MaxEntries {
		d.evictOldestLocked()
	}
	d.insertLocked(sig, rec, now)
	return false
}

func signature(rec *types.LogRecord) string {
	h := xxhash.New()
	h.WriteString(string(rec.Level))
	h.WriteString("|")
	h.WriteString(Template(rec.Message))
	errSig := rec.ErrorSignature
	if len(errSig) > 100 {
		errSig = errSig[:100]
	}
	h.WriteString("|")
	h.WriteString(errSig)
	return strings.ToLower(h.Sum64String())
}

func (d *Deduplicator) insertLocked(sig string, rec *types.LogRecord, now time.Time) {
	e := &entry{key: sig, signature: sig, first: rec.Clone(), count: 1, lastSeen: now}
	d.cache[sig] = e
	d.addToFrontLocked(e)
}

// closeLocked removes an entry and, if emitSummary is set and it
// represents more than one occurrence, schedules a summary for
// asynchronous emission. Summaries are only meaningful for a window
// that actually closed (TTL expiry); a capacity eviction just discards
// the entry, since the template may still be active and a summary for
// it now would be premature and potentially duplicated later.
func (d *Deduplicator) closeLocked(e *entry, emitSummary bool) {
	delete(d.cache, e.key)
	d.removeFromListLocked(e)
	if emitSummary && e.count > 1 {
		summary := e.first.Clone()
		summary.RepeatCount = e.count
		summary.Timestamp = d.clk.Now().UnixMilli()
		summary.Message = summary.Message + " [repeated]"
		select {
		case d.emitCh <- summary:
		default:
			d.logger.WithField("signature", e.signature).Warn("dedup: summary emission channel full, dropping summary")
		}
	}
}

func (d *Deduplicator) addToFrontLocked(e *entry) {
	e.prev = d.head
	e.next = d.head.next
	d.head.next.prev = e
	d.head.next = e
}

func (d *Deduplicator) removeFromListLocked(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (d *Deduplicator) moveToFrontLocked(e *entry) {
	d.removeFromListLocked(e)
	d.addToFrontLocked(e)
}

func (d *Deduplicator) evictOldestLocked() {
	oldest := d.tail.prev
	if oldest == d.head {
		return
	}
	d.closeLocked(oldest, false)
}

func (d *Deduplicator) cleanupLoop() {
	defer d.wg.Done()
	ticker := d.clk.NewTicker(d.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C():
			d.performCleanup()
		}
	}
}

func (d *Deduplicator) performCleanup() {
	now := d.clk.Now()
	d.mu.Lock()
	var expired []*entry
	for e := d.tail.prev; e != d.head; e = e.prev {
		if now.Sub(e.lastSeen) > d.cfg.TTL {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		d.closeLocked(e, true)
	}
	d.mu.Unlock()
}

func (d *Deduplicator) emitLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case summary := <-d.emitCh:
			metrics.DedupSummariesEmittedTotal.Inc()
			if d.onSummary != nil {
				d.onSummary(summary)
			}
		}
	}
}
