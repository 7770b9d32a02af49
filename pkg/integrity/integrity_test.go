package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/types"
)

func TestGenesis_Is64HexChars(t *testing.T) {
	assert.Len(t, Genesis, 64)
	assert.True(t, hexState.MatchString(Genesis))
}

func TestAddToChain_Deterministic(t *testing.T) {
	rec := &types.LogRecord{Timestamp: 100, Level: types.LevelInfo, Message: "hello", Payload: map[string]interface{}{"b": 1, "a": 2}}

	c1 := New()
	out1, err := c1.AddToChain(rec)
	require.NoError(t, err)

	c2 := New()
	out2, err := c2.AddToChain(rec)
	require.NoError(t, err)

	assert.Equal(t, out1.Integrity, out2.Integrity, "same input and genesis cursor must produce the same chain hash")
	assert.NotEmpty(t, out1.Integrity)
}

func TestAddToChain_AdvancesCursor(t *testing.T) {
	c := New()
	rec := &types.LogRecord{Timestamp: 1, Level: types.LevelInfo, Message: "first"}
	out1, err := c.AddToChain(rec)
	require.NoError(t, err)

	rec2 := &types.LogRecord{Timestamp: 2, Level: types.LevelInfo, Message: "second"}
	out2, err := c.AddToChain(rec2)
	require.NoError(t, err)

	assert.NotEqual(t, out1.Integrity, out2.Integrity)

	ok, err := Verify(out1, Genesis)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanonicalPayload_KeyOrderIndependent(t *testing.T) {
	c1 := New()
	rec1 := &types.LogRecord{Timestamp: 1, Level: types.LevelInfo, Message: "m", Payload: map[string]interface{}{"a": 1, "b": 2}}
	out1, err := c1.AddToChain(rec1)
	require.NoError(t, err)

	c2 := New()
	rec2 := &types.LogRecord{Timestamp: 1, Level: types.LevelInfo, Message: "m", Payload: map[string]interface{}{"b": 2, "a": 1}}
	out2, err := c2.AddToChain(rec2)
	require.NoError(t, err)

	assert.Equal(t, out1.Integrity, out2.Integrity)
}

func TestSaveAndLoadState_RoundTrip(t *testing.T) {
	c := New()
	rec := &types.LogRecord{Timestamp: 1, Level: types.LevelInfo, Message: "m"}
	_, err := c.AddToChain(rec)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "chain.state")
	require.NoError(t, c.SaveState(path))

	loaded := New()
	ok := loaded.TryLoadState(path)
	assert.True(t, ok)
	assert.Equal(t, c.previous, loaded.previous)
}

func TestTryLoadState_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.state")
	require.NoError(t, os.WriteFile(path, []byte("not-hex-garbage"), 0o600))

	c := New()
	ok := c.TryLoadState(path)
	assert.False(t, ok)
	assert.Equal(t, Genesis, c.previous)
}

func TestTryLoadState_MissingFile(t *testing.T) {
	c := New()
	ok := c.TryLoadState(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, ok)
	assert.Equal(t, Genesis, c.previous)
}
