package keymanager

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvBackend_ReadsFromEnvVar(t *testing.T) {
	key := make([]byte, KeySize)
	encoded := base64.StdEncoding.EncodeToString(key)
	t.Setenv("SECURELOG_TEST_KEK", encoded)

	b := NewEnvBackend("SECURELOG_TEST_KEK", "", nil)
	got, err := b.GetKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEnvBackend_GeneratesAndPersistsFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kek.key")
	b := NewEnvBackend("SECURELOG_TEST_KEK_UNSET", path, nil)

	first, err := b.GetKEK(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, KeySize)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, KeySize, "fallback file must hold the raw key, not a base64-encoded copy")

	second, err := b.GetKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second, "subsequent calls must load the persisted key, not regenerate")
}

type stubBackend struct {
	calls int
	key   []byte
}

func (s *stubBackend) GetKEK(ctx context.Context) ([]byte, error) {
	s.calls++
	return s.key, nil
}
func (s *stubBackend) Close() error { return nil }

func TestManager_CachesWithinTTL(t *testing.T) {
	backend := &stubBackend{key: make([]byte, KeySize)}
	m := New(Config{CacheTTL: time.Hour}, nil, backend)

	_, err := m.GetKEK(context.Background())
	require.NoError(t, err)
	_, err = m.GetKEK(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, backend.calls)
}

func TestManager_RefetchesAfterTTL(t *testing.T) {
	backend := &stubBackend{key: make([]byte, KeySize)}
	m := New(Config{CacheTTL: time.Millisecond}, nil, backend)

	_, err := m.GetKEK(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.GetKEK(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, backend.calls)
}

func TestManager_RejectsWrongSizeKey(t *testing.T) {
	backend := &stubBackend{key: []byte("too-short")}
	m := New(Config{}, nil, backend)
	_, err := m.GetKEK(context.Background())
	assert.Error(t, err)
}
