// Package pipeline implements C1 (the ingress appender) and C2 (the
// pipeline orchestrator): a bounded queue fed by submit(), a pool of
// cooperative consumers draining it in small batches, and the
// per-record dedup -> mask -> chain -> encrypt -> serialize -> send
// sequence. The bounded-queue/worker-pool/batch-or-timeout shape
// follows this codebase's dispatcher; the exact record sequencing and
// failure-routes-to-fallback policy are new.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"securelog-core/internal/metrics"
	"securelog-core/internal/tracing"
	"securelog-core/pkg/dedup"
	"securelog-core/pkg/envelope"
	"securelog-core/pkg/integrity"
	"securelog-core/pkg/masking"
	"securelog-core/pkg/serializer"
	"securelog-core/pkg/types"
)

// Sender is the C8 entry point the orchestrator hands serialized bytes
// to.
type Sender interface {
	Send(ctx context.Context, bytes []byte) error
}

// FallbackWriter is the C8 entry point used to spill already-masked
// records directly, bypassing the broker, during shutdown drain and
// failure handling.
type FallbackWriter interface {
	Write(bytes []byte) error
}

// Config controls queue depth, consumer count, and batch draining.
type Config struct {
	QueueSize     int
	Consumers     int
	BatchMaxSize  int
	PollTimeout   time.Duration
	ShutdownGrace time.Duration

	DedupEnabled    bool
	MaskingEnabled  bool
	IntegrityOn     bool
	EncryptionOn    bool
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.Consumers <= 0 {
		c.Consumers = 2
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Pipeline is the composed C1+C2 stage.
type Pipeline struct {
	cfg    Config
	logger *logrus.Logger

	dedup      *dedup.Deduplicator
	masker     *masking.Masker
	chainer    *integrity.Chainer
	encryptor  *envelope.Encryptor
	serializer *serializer.Serializer
	sender     Sender
	fallback   FallbackWriter
	tracer     *tracing.Manager

	queue   chan *types.LogRecord
	running atomic.Bool
	latch   sync.WaitGroup

	dropCount atomicCounter
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) add(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += n
	return c.n
}

// New constructs a Pipeline. It does not register a summary callback
// on dd; callers wire dd.SetSummaryCallback(p.HandleSummary) so that
// deferred repeat summaries flow back through
// masking/chaining/encryption/send, skipping only dedup itself.
func New(cfg Config, logger *logrus.Logger, dd *dedup.Deduplicator, masker *masking.Masker, chainer *integrity.Chainer, encryptor *envelope.Encryptor, ser *serializer.Serializer, sender Sender, fallbackStore FallbackWriter, tracer *tracing.Manager) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:        cfg,
		logger:     logger,
		dedup:      dd,
		masker:     masker,
		chainer:    chainer,
		encryptor:  encryptor,
		serializer: ser,
		sender:     sender,
		fallback:   fallbackStore,
		tracer:     tracer,
		queue:      make(chan *types.LogRecord, cfg.QueueSize),
	}
	return p
}

// Start launches the consumer pool and the dedup background workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.running.Store(true)
	p.dedup.Start()
	p.latch.Add(p.cfg.Consumers)
	for i := 0; i < p.cfg.Consumers; i++ {
		go p.consume(ctx)
	}
}

// Submit attempts to enqueue rec without blocking. On a full queue it
// routes rec through the masked-fallback path instead of dropping it
// silently, incrementing a drop counter and logging every 1000th drop.
func (p *Pipeline) Submit(rec *types.LogRecord) {
	select {
	case p.queue <- rec:
		metrics.RecordsIngestedTotal.Inc()
	default:
		p.backpressureFallback(rec)
	}
}

func (p *Pipeline) backpressureFallback(rec *types.LogRecord) {
	n := p.dropCount.add(1)
	if n%1000 == 0 {
		p.logger.WithField("dropped", n).Warn("pipeline: queue full, routing records to fallback")
	}
	p.ProcessFallback(rec)
}

// ProcessFallback applies masking and encryption only, then writes
// directly to the fallback file store, bypassing dedup/chain/broker.
// Used by queue-full backpressure and shutdown drain.
func (p *Pipeline) ProcessFallback(rec *types.LogRecord) {
	masked := rec
	if p.cfg.MaskingEnabled {
		masked = p.masker.Mask(rec)
	}
	if p.cfg.EncryptionOn {
		sealed, err := p.encryptor.Seal(masked)
		if err == nil {
			masked = sealed
		}
	}
	bytes, err := p.serializer.Encode(masked)
	if err != nil {
		p.logger.WithError(err).Error("pipeline: fallback serialize failed, record dropped")
		return
	}
	if err := p.fallback.Write(bytes); err != nil {
		p.logger.WithError(err).Error("pipeline: fallback write failed, record dropped")
	}
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.latch.Done()
	for {
		batch := p.collectBatch(ctx)
		for _, rec := range batch {
			p.process(ctx, rec)
		}
		if !p.running.Load() && len(p.queue) == 0 {
			return
		}
	}
}

// collectBatch blocks up to PollTimeout for the first record, then
// drains up to BatchMaxSize-1 more without blocking.
func (p *Pipeline) collectBatch(ctx context.Context) []*types.LogRecord {
	var batch []*types.LogRecord

	select {
	case rec, ok := <-p.queue:
		if !ok {
			return batch
		}
		batch = append(batch, rec)
	case <-time.After(p.cfg.PollTimeout):
		return batch
	case <-ctx.Done():
		return batch
	}

	for len(batch) < p.cfg.BatchMaxSize {
		select {
		case rec, ok := <-p.queue:
			if !ok {
				return batch
			}
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// process implements C2's per-record algorithm.
func (p *Pipeline) process(ctx context.Context, rec *types.LogRecord) {
	start := time.Now()
	masked := rec

	if p.cfg.DedupEnabled && p.dedup.Check(rec) {
		metrics.RecordsEmittedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	result, err := p.runStages(ctx, rec, &masked)
	if err != nil {
		p.logger.WithError(err).Warn("pipeline: stage failed, routing masked value to fallback")
		p.writeMaskedToFallback(masked)
		metrics.RecordsEmittedTotal.WithLabelValues("fallback").Inc()
		return
	}
	_ = result
	metrics.PipelineStageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	metrics.RecordsEmittedTotal.WithLabelValues("sent").Inc()
}

func (p *Pipeline) runStages(ctx context.Context, rec *types.LogRecord, masked **types.LogRecord) (*types.LogRecord, error) {
	cur := rec

	if p.cfg.MaskingEnabled {
		sctx, end := p.startStage(ctx, "mask")
		cur = p.masker.Mask(cur)
		end(nil)
		_ = sctx
		*masked = cur
	}
	if p.cfg.IntegrityOn {
		sctx, end := p.startStage(ctx, "chain")
		next, err := p.chainer.AddToChain(cur)
		end(err)
		_ = sctx
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if p.cfg.EncryptionOn {
		sctx, end := p.startStage(ctx, "seal")
		next, err := p.encryptor.Seal(cur)
		end(err)
		_ = sctx
		if err != nil {
			return nil, err
		}
		cur = next
	}
	sctx, end := p.startStage(ctx, "serialize")
	bytes, err := p.serializer.Encode(cur)
	end(err)
	_ = sctx
	if err != nil {
		return nil, err
	}
	sctx, end = p.startStage(ctx, "send")
	err = p.sender.Send(ctx, bytes)
	end(err)
	_ = sctx
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// startStage opens a tracing span for a pipeline stage when a tracer is
// configured, otherwise returns a no-op closer.
func (p *Pipeline) startStage(ctx context.Context, stage string) (context.Context, func(error)) {
	if p.tracer == nil {
		return ctx, func(error) {}
	}
	return p.tracer.StartStage(ctx, stage)
}

// writeMaskedToFallback routes masked (already the best available
// redacted value) to the fallback store. ProcessFallback re-applies
// masking, which is idempotent over already-redacted strings, so this
// is safe whether masked ran through stage 4 or is still the raw input.
func (p *Pipeline) writeMaskedToFallback(masked *types.LogRecord) {
	p.ProcessFallback(masked)
}

// HandleSummary is the dedup SummaryCallback re-entry point: a
// synthetic repeat-summary record flows back through
// masking/chaining/encryption/send, skipping dedup. Register it with
// the Deduplicator via SetSummaryCallback once both are constructed.
func (p *Pipeline) HandleSummary(summary *types.LogRecord) {
	masked := summary
	if _, err := p.runStages(context.Background(), summary, &masked); err != nil {
		p.logger.WithError(err).Warn("pipeline: summary record failed, routing to fallback")
		p.writeMaskedToFallback(masked)
	}
}

// Shutdown flips running off, waits up to ShutdownGrace for the
// consumers, drains anything still queued through ProcessFallback,
// stops the deduplicator (which flushes pending repeat summaries through
// the summary callback), and logs the drop count. Closing the transport
// is left to the caller.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.running.Store(false)

	done := make(chan struct{})
	go func() {
		p.latch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("pipeline: shutdown grace period exceeded, draining remaining consumers")
	}

	for {
		select {
		case rec := <-p.queue:
			p.ProcessFallback(rec)
		default:
			p.dedup.Stop()
			p.logger.WithField("dropped_total", p.dropCount.add(0)).Info("pipeline: shutdown complete")
			return
		}
	}
}
