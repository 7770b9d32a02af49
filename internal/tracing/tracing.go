// Package tracing wraps OpenTelemetry span creation around the pipeline's
// per-record stage sequence, adapted from this codebase's tracing manager:
// same enabled/exporter/sample-rate config shape and noop-tracer fallback,
// trimmed to the single OTLP-over-HTTP exporter this module ships with.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is enabled and where spans are exported.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "securelog-core"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "v1.0.0"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4318"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 1.0
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
}

// Manager owns the process-wide tracer provider and exposes the tracer used
// to span individual pipeline stages.
type Manager struct {
	cfg      Config
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. When cfg.Enabled is false, it returns a noop tracer
// so callers never need to branch on whether tracing is on.
func New(cfg Config, logger *logrus.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if !cfg.Enabled {
		return &Manager{cfg: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	m := &Manager{cfg: cfg, logger: logger}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(m.cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", m.cfg.ServiceName),
		attribute.String("service.version", m.cfg.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(m.cfg.BatchTimeout)),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(m.cfg.SampleRate)),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	m.tracer = otel.Tracer(m.cfg.ServiceName)

	m.logger.WithField("endpoint", m.cfg.Endpoint).Info("tracing: exporter initialized")
	return nil
}

// StartStage opens a span named for a single pipeline stage (mask, chain,
// seal, serialize, send) and returns a func that closes it, recording
// err on the span if non-nil.
func (m *Manager) StartStage(ctx context.Context, stage string) (context.Context, func(err error)) {
	ctx, span := m.tracer.Start(ctx, "pipeline."+stage)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
