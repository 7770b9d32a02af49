// Package keymanager supplies the key-encryption-key (KEK) used to wrap
// per-rotation data encryption keys. It follows the pluggable-backend,
// TTL-cached manager shape used elsewhere in this codebase for secret
// retrieval: a default backend wired for production, with additional
// backend types declared as explicit extension points rather than
// implemented, exactly as this codebase's secret manager leaves
// cloud-vendor backends unimplemented until a deployment needs them.
package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KeySize is the required length, in bytes, of a KEK.
const KeySize = 32

// Backend resolves the current KEK from some source of truth.
type Backend interface {
	GetKEK(ctx context.Context) ([]byte, error)
	Close() error
}

// Config controls the manager's cache behavior and backend selection.
type Config struct {
	// CacheTTL bounds how long a fetched KEK is reused before the
	// backend is consulted again.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// Manager caches the active backend's KEK for CacheTTL, so the hot path
// of wrapping a DEK does not hit the backend on every rotation.
type Manager struct {
	cfg     Config
	logger  *logrus.Logger
	backend Backend

	mu        sync.Mutex
	cached    []byte
	expiresAt time.Time
}

// New constructs a Manager backed by backend.
func New(cfg Config, logger *logrus.Logger, backend Backend) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, logger: logger, backend: backend}
}

// GetKEK returns the current KEK, serving from cache when possible.
func (m *Manager) GetKEK(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	if m.cached != nil && time.Now().Before(m.expiresAt) {
		kek := m.cached
		m.mu.Unlock()
		return kek, nil
	}
	m.mu.Unlock()

	kek, err := m.backend.GetKEK(ctx)
	if err != nil {
		return nil, fmt.Errorf("keymanager: backend fetch: %w", err)
	}
	if len(kek) != KeySize {
		return nil, fmt.Errorf("keymanager: backend returned a %d-byte key, want %d", len(kek), KeySize)
	}

	m.mu.Lock()
	m.cached = kek
	m.expiresAt = time.Now().Add(m.cfg.CacheTTL)
	m.mu.Unlock()

	return kek, nil
}

// Close releases the backing backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// EnvBackend reads a base64-encoded KEK from an environment variable,
// generating and persisting one to a fallback path on first use when
// the variable is unset. This is the default backend wired in
// production deployments of this codebase that have no external
// secrets infrastructure available.
type EnvBackend struct {
	EnvVar       string
	FallbackPath string
	logger       *logrus.Logger
}

// NewEnvBackend constructs an EnvBackend.
func NewEnvBackend(envVar, fallbackPath string, logger *logrus.Logger) *EnvBackend {
	return &EnvBackend{EnvVar: envVar, FallbackPath: fallbackPath, logger: logger}
}

func (b *EnvBackend) GetKEK(ctx context.Context) ([]byte, error) {
	if v := os.Getenv(b.EnvVar); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("keymanager: %s is not valid base64: %w", b.EnvVar, err)
		}
		return key, nil
	}
	return b.loadOrGenerateFallback()
}

func (b *EnvBackend) loadOrGenerateFallback() ([]byte, error) {
	if b.FallbackPath == "" {
		return nil, fmt.Errorf("keymanager: %s is unset and no fallback path configured", b.EnvVar)
	}
	if data, err := os.ReadFile(b.FallbackPath); err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("keymanager: fallback file %s is %d bytes, want exactly %d raw bytes", b.FallbackPath, len(data), KeySize)
		}
		if b.logger != nil {
			b.logger.WithField("path", b.FallbackPath).Warn("keymanager: using fallback KEK file; no external key source configured")
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keymanager: generating fallback KEK: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.FallbackPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(b.FallbackPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("keymanager: persisting fallback KEK: %w", err)
	}
	if b.logger != nil {
		b.logger.WithField("path", b.FallbackPath).Warn("keymanager: generated a new fallback KEK; no external key source configured")
	}
	return key, nil
}

func (b *EnvBackend) Close() error { return nil }

// VaultKeyBackend is an extension point for fetching the KEK from
// HashiCorp Vault's transit/KV engine. Not implemented: no deployment
// of this system has used Vault to date.
type VaultKeyBackend struct{}

func (VaultKeyBackend) GetKEK(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("keymanager: vault backend not implemented")
}
func (VaultKeyBackend) Close() error { return nil }

// AWSKMSKeyBackend is an extension point for unwrapping the KEK via AWS
// KMS Decrypt. Not implemented: pending an AWS credential story for
// this deployment.
type AWSKMSKeyBackend struct{}

func (AWSKMSKeyBackend) GetKEK(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("keymanager: aws kms backend not implemented")
}
func (AWSKMSKeyBackend) Close() error { return nil }
