// Command securelogd is the composition root: it wires configuration,
// logging, metrics, and every pipeline stage together into a running
// service with an HTTP admin surface, the way this codebase's other
// daemons assemble their components in cmd/.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"securelog-core/internal/config"
	"securelog-core/internal/pipeline"
	"securelog-core/internal/tracing"
	"securelog-core/internal/transport"
	"securelog-core/pkg/broker"
	"securelog-core/pkg/circuit"
	"securelog-core/pkg/clock"
	"securelog-core/pkg/dedup"
	"securelog-core/pkg/envelope"
	"securelog-core/pkg/fallback"
	"securelog-core/pkg/integrity"
	"securelog-core/pkg/keymanager"
	"securelog-core/pkg/masking"
	"securelog-core/pkg/ratelimit"
	"securelog-core/pkg/serializer"
	"securelog-core/pkg/types"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		configFile = os.Getenv("SSW_CONFIG_FILE")
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securelogd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.WithField("config_file", configFile).Info("securelogd starting")

	app, err := build(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("securelogd: failed to build pipeline")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.adminCtx = ctx
	app.pipeline.Start(ctx)
	app.transport.StartReplay(ctx)
	go serveAdmin(cfg.Server.MetricsAddr, logger, app)

	<-ctx.Done()
	logger.Info("securelogd: shutdown signal received")
	app.pipeline.Shutdown(context.Background())
	if err := app.transport.Close(); err != nil {
		logger.WithError(err).Warn("securelogd: error during transport close")
	}
	app.encryptor.Close()
	if err := app.tracer.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("securelogd: error shutting down tracer")
	}
	logger.Info("securelogd: shutdown complete")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

type application struct {
	pipeline  *pipeline.Pipeline
	transport *transport.Transport
	encryptor *envelope.Encryptor
	tracer    *tracing.Manager
	adminCtx  context.Context
}

func build(cfg *config.Config, logger *logrus.Logger) (*application, error) {
	clk := clock.Real{}

	chainer := integrity.New()
	chainer.TryLoadState(cfg.Integrity.StatePath)

	envBackend := keymanager.NewEnvBackend(cfg.Envelope.KekEnvVar, cfg.Envelope.KekFallback, logger)
	keyMgr := keymanager.New(keymanager.Config{}, logger, envBackend)
	getKEK := func() ([]byte, error) { return keyMgr.GetKEK(context.Background()) }
	encryptor := envelope.New(cfg.Envelope.DekRotationTTL, getKEK)

	masker := masking.New(cfg.Masking.Enabled, cfg.Masking.PatternsEnabled)

	ser, err := serializer.New(cfg.Serializer.ZstdLevel, int(cfg.Serializer.MaxUncompressedBytes))
	if err != nil {
		return nil, fmt.Errorf("build serializer: %w", err)
	}

	brokerClient, err := broker.New(broker.Config{
		Brokers:       cfg.Transport.KafkaBrokers,
		Topic:         cfg.Transport.KafkaTopic,
		SASLMechanism: cfg.Transport.KafkaSASLMechanism,
		SASLUsername:  cfg.Transport.KafkaSASLUsername,
		SASLPassword:  cfg.Transport.KafkaSASLPassword,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	store, err := fallback.New(fallback.Config{Dir: cfg.Transport.FallbackDir, MaxBytes: cfg.Transport.FallbackMaxBytes}, logger)
	if err != nil {
		return nil, fmt.Errorf("build fallback store: %w", err)
	}

	cb := circuit.New(circuit.Config{
		Name:             "kafka",
		FailureThreshold: cfg.Transport.BreakerThreshold,
		BaseBackoff:      cfg.Transport.BreakerBaseBackoff,
		MaxBackoff:       cfg.Transport.BreakerMaxBackoff,
	}, logger, clk)

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Transport.RateLimitRPS})

	xport := transport.New(transport.Config{
		Topic:          cfg.Transport.KafkaTopic,
		ReplayInterval: cfg.Transport.ReplayInterval,
	}, logger, clk, cb, limiter, brokerClient, store)

	dd := dedup.New(dedup.Config{MaxEntries: cfg.Dedup.WindowSize, TTL: cfg.Dedup.TTL}, logger, clk, nil)

	tracer, err := tracing.New(tracing.Config{Enabled: cfg.Tracing.Enabled, Endpoint: cfg.Tracing.Endpoint, SampleRate: cfg.Tracing.SampleRate}, logger)
	if err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}

	p := pipeline.New(pipeline.Config{
		QueueSize:      cfg.Pipeline.QueueSize,
		BatchMaxSize:   cfg.Pipeline.BatchMaxSize,
		PollTimeout:    cfg.Pipeline.BatchTimeout,
		ShutdownGrace:  cfg.Pipeline.ShutdownGrace,
		DedupEnabled:   true,
		MaskingEnabled: cfg.Masking.Enabled,
		IntegrityOn:    true,
		EncryptionOn:   true,
	}, logger, dd, masker, chainer, encryptor, ser, xport, store, tracer)

	dd.SetSummaryCallback(p.HandleSummary)

	return &application{pipeline: p, transport: xport, encryptor: encryptor, tracer: tracer}, nil
}

// Submit is the public ingress operation external callers use to feed
// records into the pipeline.
func (a *application) Submit(rec *types.LogRecord) {
	a.pipeline.Submit(rec)
}

func serveAdmin(addr string, logger *logrus.Logger, app *application) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/reset-circuit-breaker", func(w http.ResponseWriter, r *http.Request) {
		app.transport.ResetCircuitBreaker()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/replay-now", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		app.transport.ReplayNow(ctx)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/disable-auto-replay", func(w http.ResponseWriter, r *http.Request) {
		app.transport.DisableReplay()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/enable-auto-replay", func(w http.ResponseWriter, r *http.Request) {
		app.transport.StartReplay(app.adminCtx)
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.WithField("addr", addr).Info("securelogd: admin server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("securelogd: admin server stopped")
	}
}
