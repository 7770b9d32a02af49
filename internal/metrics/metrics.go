// Package metrics exposes the Prometheus instrumentation surface for
// the log processing pipeline, following the package-level promauto
// variable convention used across this codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_records_ingested_total",
		Help: "Total log records accepted by the ingress appender.",
	})

	RecordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securelog_records_emitted_total",
		Help: "Total log records successfully handed to the transport layer.",
	}, []string{"outcome"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "securelog_pipeline_stage_duration_seconds",
		Help:    "Per-stage processing latency within the pipeline.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securelog_pipeline_queue_depth",
		Help: "Current number of records buffered in the orchestrator queue.",
	})

	DedupDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_dedup_duplicates_total",
		Help: "Total records suppressed as duplicates within the active window.",
	})

	DedupSummariesEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_dedup_summaries_emitted_total",
		Help: "Total synthetic repeat-summary records emitted.",
	})

	MaskingFieldsRedactedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securelog_masking_fields_redacted_total",
		Help: "Total payload fields redacted, by detected category.",
	}, []string{"category"})

	IntegrityChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securelog_integrity_chain_length",
		Help: "Number of records folded into the current integrity chain.",
	})

	EnvelopeDekRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_envelope_dek_rotations_total",
		Help: "Total data-encryption-key rotations performed.",
	})

	SerializerBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securelog_serializer_bytes_total",
		Help: "Total bytes handled by the serializer, before/after compression.",
	}, []string{"stage"})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securelog_breaker_state",
		Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
	})

	BreakerBackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "securelog_breaker_backoff_seconds",
		Help: "Current circuit breaker backoff duration in seconds.",
	})

	RateLimiterRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_ratelimiter_rejected_total",
		Help: "Total records rejected by the transport rate limiter.",
	})

	FallbackFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "securelog_fallback_files_written_total",
		Help: "Total records spilled to the on-disk fallback store.",
	})

	FallbackFilesReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securelog_fallback_files_replayed_total",
		Help: "Total fallback files replayed, by outcome.",
	}, []string{"outcome"})

	BrokerSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "securelog_broker_send_duration_seconds",
		Help:    "Latency of synchronous broker sends.",
		Buckets: prometheus.DefBuckets,
	})

	BrokerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securelog_broker_errors_total",
		Help: "Total broker send errors, by classification.",
	}, []string{"class"})
)
