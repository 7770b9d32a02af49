// Package fallback implements the transport stage's on-disk overflow
// store: when the broker is unavailable, already-serialized records are
// spilled to one file per record, replayed in arrival order once the
// broker recovers, and securely deleted after a successful replay. It
// draws on this codebase's disk buffer, but keeps no rotation, cleanup
// or ticker loop of its own; the one-file-per-record layout,
// lock-guarded replay, and zero-overwrite deletion are new.
package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/serializer"
)

// Config controls the fallback directory's capacity and retention.
type Config struct {
	Dir      string
	MaxBytes int64
}

func (c *Config) applyDefaults() {
	if c.Dir == "" {
		c.Dir = "/var/lib/securelog-core/fallback"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 30
	}
}

// Store spills already-serialized records to disk and replays them
// later. Files are named log-YYYYMMDD-HHmmss-SSS-<counter>.zst so a
// lexicographic directory listing is also arrival order.
type Store struct {
	cfg    Config
	logger *logrus.Logger

	mu      sync.Mutex
	counter int64
}

// New constructs a Store, creating its directory if needed.
func New(cfg Config, logger *logrus.Logger) (*Store, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("fallback: create dir: %w", err)
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// Write spills a serialized record to its own file. It refuses to write
// past MaxBytes of total directory usage, returning a plain error that
// the caller should treat as an unrecoverable drop for this record.
func (s *Store) Write(data []byte) error {
	used, err := s.directoryBytes()
	if err != nil {
		return fmt.Errorf("fallback: stat dir: %w", err)
	}
	if used+int64(len(data)) > s.cfg.MaxBytes {
		return fmt.Errorf("fallback: store at capacity (%d/%d bytes)", used, s.cfg.MaxBytes)
	}

	s.mu.Lock()
	s.counter++
	now := time.Now().UTC()
	name := fmt.Sprintf("log-%s-%03d-%06d.zst", now.Format("20060102-150405"), now.Nanosecond()/int(time.Millisecond), s.counter%1000000)
	s.mu.Unlock()
	name = filepath.Clean(name)

	path := filepath.Join(s.cfg.Dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("fallback: write %s: %w", path, err)
	}
	metrics.FallbackFilesWritten.Inc()
	return nil
}

func (s *Store) directoryBytes() (int64, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// errLocked marks a file skipped because a concurrent sweep (or process)
// already holds its lock; unlike a deliver failure, it is not a reason to
// abort the sweep, since the file is simply owned elsewhere right now.
var errLocked = errors.New("fallback: file is locked by another replay")

// Replay walks spilled files in arrival order, taking an exclusive
// non-blocking advisory lock on each so a concurrent replay sweep (or a
// future multi-process deployment) never double-sends the same file.
// deliver is called with the raw file bytes; on success the file is
// securely deleted. A deliver failure (broker down, breaker open) stops
// the sweep immediately, leaving this file and every later one for the
// next tick rather than continuing to churn through files the broker is
// currently unable to accept.
func (s *Store) Replay(ctx context.Context, deliver func(data []byte) error) error {
	names, err := s.listSorted()
	if err != nil {
		return fmt.Errorf("fallback: list dir: %w", err)
	}

	for _, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		path := filepath.Join(s.cfg.Dir, name)
		if err := s.replayOne(path, deliver); err != nil {
			if errors.Is(err, errLocked) {
				s.logger.WithField("file", name).Debug("fallback: file locked by another replay, skipping")
				continue
			}
			s.logger.WithError(err).WithField("file", name).Warn("fallback: replay failed, stopping sweep for this tick")
			metrics.FallbackFilesReplayed.WithLabelValues("error").Inc()
			return nil
		}
		metrics.FallbackFilesReplayed.WithLabelValues("ok").Inc()
	}
	return nil
}

func (s *Store) listSorted() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".zst" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) replayOne(path string, deliver func(data []byte) error) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already replayed/removed by a concurrent sweep
		}
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("%w: %v", errLocked, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, serializer.ZstdMagic) {
		s.logger.WithField("file", path).Warn("fallback: file missing zstd magic, discarding")
		return s.secureDelete(path, f)
	}

	if err := deliver(data); err != nil {
		return err
	}
	return s.secureDelete(path, f)
}

// secureDelete overwrites a file's contents with zeros, fsyncs, and
// unlinks it, so a sent record's plaintext-adjacent ciphertext does not
// linger recoverable on disk after a successful replay.
func (s *Store) secureDelete(path string, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	zero := make([]byte, 4096)
	var written int64
	for written < info.Size() {
		n := int64(len(zero))
		if remaining := info.Size() - written; remaining < n {
			n = remaining
		}
		if _, err := f.WriteAt(zero[:n], written); err != nil {
			return err
		}
		written += n
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return os.Remove(path)
}
