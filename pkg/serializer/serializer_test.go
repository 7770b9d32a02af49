package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/types"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s, err := New(3, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	rec := &types.LogRecord{Timestamp: 1, Level: types.LevelInfo, Message: "hello world"}
	data, err := s.Encode(rec)
	require.NoError(t, err)
	assert.True(t, len(data) >= 4)

	got, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Message, got.Message)
	assert.Equal(t, rec.Level, got.Level)
}

func TestNew_RejectsLevelOutOfRange(t *testing.T) {
	_, err := New(0, 1<<20)
	assert.Error(t, err)
	_, err = New(23, 1<<20)
	assert.Error(t, err)
}

func TestEncode_RejectsOversizedRecord(t *testing.T) {
	s, err := New(3, 8)
	require.NoError(t, err)
	defer s.Close()

	rec := &types.LogRecord{Message: "this message is far longer than eight bytes"}
	_, err = s.Encode(rec)
	assert.Error(t, err)
}

func TestDecode_RejectsMissingMagic(t *testing.T) {
	s, err := New(3, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Decode([]byte("not a zstd frame"))
	assert.Error(t, err)
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	s, err := New(3, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	rec := &types.LogRecord{Message: "a reasonably sized payload to survive truncation"}
	data, err := s.Encode(rec)
	require.NoError(t, err)

	truncated := data[:len(data)-2]
	_, err = s.Decode(truncated)
	assert.Error(t, err)
}
