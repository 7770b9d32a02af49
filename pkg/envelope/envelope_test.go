package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/types"
)

func fixedKEK() ([]byte, error) {
	return make([]byte, keySize), nil
}

func TestSealOpen_RoundTrip(t *testing.T) {
	e := New(time.Hour, fixedKEK)
	rec := &types.LogRecord{Payload: map[string]interface{}{"user": "alice", "amount": float64(42)}}

	sealed, err := e.Seal(rec)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.EncryptedDEK)
	assert.Contains(t, sealed.Payload, "encrypted")

	opened, err := e.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "alice", opened["user"])
	assert.Equal(t, float64(42), opened["amount"])
}

func TestSeal_DoesNotMutateInput(t *testing.T) {
	e := New(time.Hour, fixedKEK)
	rec := &types.LogRecord{Payload: map[string]interface{}{"user": "alice"}}
	_, err := e.Seal(rec)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Payload["user"])
}

func TestDEK_RotatesAfterTTL(t *testing.T) {
	e := New(time.Millisecond, fixedKEK)
	rec := &types.LogRecord{Payload: map[string]interface{}{}}

	first, err := e.Seal(rec)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := e.Seal(rec)
	require.NoError(t, err)

	assert.NotEqual(t, first.EncryptedDEK, second.EncryptedDEK, "dek should rotate once ttl elapses")
}

func TestDEK_StableWithinTTL(t *testing.T) {
	e := New(time.Hour, fixedKEK)
	rec := &types.LogRecord{Payload: map[string]interface{}{}}

	first, err := e.Seal(rec)
	require.NoError(t, err)
	second, err := e.Seal(rec)
	require.NoError(t, err)

	assert.Equal(t, first.EncryptedDEK, second.EncryptedDEK)
}

func TestClose_ZeroesActiveKey(t *testing.T) {
	e := New(time.Hour, fixedKEK)
	rec := &types.LogRecord{Payload: map[string]interface{}{}}
	_, err := e.Seal(rec)
	require.NoError(t, err)

	d := e.active.Load()
	require.NotNil(t, d)
	e.Close()
	for _, b := range d.key {
		assert.Zero(t, b)
	}
}
