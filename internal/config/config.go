// Package config loads and validates the securelog-core runtime
// configuration: a YAML file overridden by SSW_-prefixed environment
// variables, following the same load-then-default-then-validate shape
// used throughout this codebase's services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig      `yaml:"server"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Dedup      DedupConfig       `yaml:"dedup"`
	Masking    MaskingConfig     `yaml:"masking"`
	Integrity  IntegrityConfig   `yaml:"integrity"`
	Envelope   EnvelopeConfig    `yaml:"envelope"`
	Serializer SerializerConfig  `yaml:"serializer"`
	Transport  TransportConfig   `yaml:"transport"`
	Tracing    TracingConfig     `yaml:"tracing"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type PipelineConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchMaxSize  int           `yaml:"batch_max_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type DedupConfig struct {
	WindowSize int           `yaml:"window_size"`
	TTL        time.Duration `yaml:"ttl"`
}

type MaskingConfig struct {
	Enabled         bool     `yaml:"enabled"`
	PatternsEnabled []string `yaml:"pii_patterns"`
}

type IntegrityConfig struct {
	StatePath string `yaml:"state_path"`
}

type EnvelopeConfig struct {
	KekEnvVar      string        `yaml:"kek_env_var"`
	KekFallback    string        `yaml:"kek_fallback_path"`
	DekRotationTTL time.Duration `yaml:"dek_rotation_ttl"`
}

type SerializerConfig struct {
	MaxUncompressedBytes int64 `yaml:"max_uncompressed_bytes"`
	ZstdLevel            int   `yaml:"zstd_level"`
}

type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

type TransportConfig struct {
	KafkaBrokers       []string      `yaml:"kafka_brokers"`
	KafkaTopic         string        `yaml:"kafka_topic"`
	KafkaSASLMechanism string        `yaml:"kafka_sasl_mechanism"`
	KafkaSASLUsername  string        `yaml:"kafka_sasl_username"`
	KafkaSASLPassword  string        `yaml:"kafka_sasl_password"`
	RateLimitRPS       int           `yaml:"rate_limit_rps"`
	BreakerThreshold   int           `yaml:"breaker_failure_threshold"`
	BreakerBaseBackoff time.Duration `yaml:"breaker_base_backoff"`
	BreakerMaxBackoff  time.Duration `yaml:"breaker_max_backoff"`
	FallbackDir        string        `yaml:"fallback_dir"`
	FallbackMaxBytes   int64         `yaml:"fallback_max_bytes"`
	ReplayInterval     time.Duration `yaml:"replay_interval"`
}

// LoadConfig reads configFile if non-empty, applies defaults for any
// zero-valued field, then applies SSW_-prefixed environment overrides,
// and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.App.Name == "" {
		c.App.Name = "securelog-core"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9464"
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = 8192
	}
	if c.Pipeline.BatchMaxSize == 0 {
		c.Pipeline.BatchMaxSize = 100
	}
	if c.Pipeline.BatchTimeout == 0 {
		c.Pipeline.BatchTimeout = 100 * time.Millisecond
	}
	if c.Pipeline.ShutdownGrace == 0 {
		c.Pipeline.ShutdownGrace = 10 * time.Second
	}
	if c.Dedup.WindowSize == 0 {
		c.Dedup.WindowSize = 10000
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = time.Second
	}
	if len(c.Masking.PatternsEnabled) == 0 {
		c.Masking.PatternsEnabled = []string{"rrn", "credit_card", "password", "ssn"}
	}
	if c.Integrity.StatePath == "" {
		c.Integrity.StatePath = "/var/lib/securelog-core/chain.state"
	}
	if c.Envelope.KekEnvVar == "" {
		c.Envelope.KekEnvVar = "SSW_MASTER_KEK"
	}
	if c.Envelope.KekFallback == "" {
		c.Envelope.KekFallback = "/var/lib/securelog-core/kek.key"
	}
	if c.Envelope.DekRotationTTL == 0 {
		c.Envelope.DekRotationTTL = time.Hour
	}
	if c.Serializer.MaxUncompressedBytes == 0 {
		c.Serializer.MaxUncompressedBytes = 100 * 1024 * 1024
	}
	if c.Serializer.ZstdLevel == 0 {
		c.Serializer.ZstdLevel = 3
	}
	if len(c.Transport.KafkaBrokers) == 0 {
		c.Transport.KafkaBrokers = []string{"localhost:9092"}
	}
	if c.Transport.KafkaTopic == "" {
		c.Transport.KafkaTopic = "secure-logs"
	}
	if c.Transport.KafkaSASLMechanism == "" {
		c.Transport.KafkaSASLMechanism = "none"
	}
	if c.Transport.RateLimitRPS == 0 {
		c.Transport.RateLimitRPS = 20000
	}
	if c.Transport.BreakerThreshold == 0 {
		c.Transport.BreakerThreshold = 3
	}
	if c.Transport.BreakerBaseBackoff == 0 {
		c.Transport.BreakerBaseBackoff = 30 * time.Second
	}
	if c.Transport.BreakerMaxBackoff == 0 {
		c.Transport.BreakerMaxBackoff = 5 * time.Minute
	}
	if c.Transport.FallbackDir == "" {
		c.Transport.FallbackDir = "logs/fallback"
	}
	if c.Transport.FallbackMaxBytes == 0 {
		c.Transport.FallbackMaxBytes = 1 << 30
	}
	if c.Transport.ReplayInterval == 0 {
		c.Transport.ReplayInterval = 60 * time.Second
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4318"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

func applyEnvironmentOverrides(c *Config) {
	if v := os.Getenv("SSW_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("SSW_LOG_FORMAT"); v != "" {
		c.App.LogFormat = v
	}
	if v := os.Getenv("SSW_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("SSW_KAFKA_BROKERS"); v != "" {
		c.Transport.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SSW_KAFKA_TOPIC"); v != "" {
		c.Transport.KafkaTopic = v
	}
	if v := os.Getenv("SSW_KAFKA_SASL_MECHANISM"); v != "" {
		c.Transport.KafkaSASLMechanism = v
	}
	if v := os.Getenv("SSW_KAFKA_SASL_USERNAME"); v != "" {
		c.Transport.KafkaSASLUsername = v
	}
	if v := os.Getenv("SSW_KAFKA_SASL_PASSWORD"); v != "" {
		c.Transport.KafkaSASLPassword = v
	}
	if v := os.Getenv("SSW_RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.RateLimitRPS = n
		}
	}
	if v := os.Getenv("SSW_FALLBACK_DIR"); v != "" {
		c.Transport.FallbackDir = v
	}
}

// ValidateConfig rejects configurations that cannot run safely.
func ValidateConfig(c *Config) error {
	switch c.Transport.KafkaSASLMechanism {
	case "none", "plain", "scram-sha-256", "scram-sha-512":
	default:
		return fmt.Errorf("transport.kafka_sasl_mechanism %q is not supported", c.Transport.KafkaSASLMechanism)
	}
	if c.Transport.KafkaSASLMechanism != "none" && (c.Transport.KafkaSASLUsername == "" || c.Transport.KafkaSASLPassword == "") {
		return fmt.Errorf("transport.kafka_sasl_mechanism %q requires a username and password", c.Transport.KafkaSASLMechanism)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive")
	}
	if c.Transport.RateLimitRPS <= 0 {
		return fmt.Errorf("transport.rate_limit_rps must be positive")
	}
	if c.Transport.BreakerMaxBackoff < c.Transport.BreakerBaseBackoff {
		return fmt.Errorf("transport.breaker_max_backoff must be >= breaker_base_backoff")
	}
	for _, p := range c.Masking.PatternsEnabled {
		switch p {
		case "rrn", "credit_card", "password", "ssn":
		default:
			return fmt.Errorf("masking.pii_patterns contains unsupported pattern %q", p)
		}
	}
	return nil
}
