package fallback

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securelog-core/pkg/serializer"
	"securelog-core/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func validZstdFrame(t *testing.T, message string) []byte {
	t.Helper()
	s, err := serializer.New(3, 1<<20)
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Encode(&types.LogRecord{Message: message})
	require.NoError(t, err)
	return data
}

func TestWriteAndReplay_RoundTrip(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	frame := validZstdFrame(t, `{"message":"hi"}`)
	require.NoError(t, store.Write(frame))

	var delivered [][]byte
	err = store.Replay(context.Background(), func(data []byte) error {
		delivered = append(delivered, data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, frame, delivered[0])

	remaining, err := store.listSorted()
	require.NoError(t, err)
	assert.Empty(t, remaining, "successfully replayed files must be deleted")
}

func TestReplay_LeavesFileOnDeliverError(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	frame := validZstdFrame(t, `{"message":"hi"}`)
	require.NoError(t, store.Write(frame))

	err = store.Replay(context.Background(), func(data []byte) error {
		return fmt.Errorf("broker still down")
	})
	require.NoError(t, err, "Replay itself should not fail when a single file's deliver fails")

	remaining, err := store.listSorted()
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "failed delivery must leave the file for the next sweep")
}

func TestReplay_StopsSweepOnDeliverFailure(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.Write(validZstdFrame(t, "first")))
	require.NoError(t, store.Write(validZstdFrame(t, "second")))

	var calls int
	err = store.Replay(context.Background(), func(data []byte) error {
		calls++
		return fmt.Errorf("broker still down")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a deliver failure on the first file must abort the sweep before trying the second")

	remaining, err := store.listSorted()
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "both files must survive when the sweep stops early")
}

func TestReplay_DiscardsFileMissingMagic(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "log-bad.zst"), []byte("not zstd"), 0o640))

	var calls int
	err = store.Replay(context.Background(), func(data []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "corrupt file must never reach deliver")

	remaining, err := store.listSorted()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestWrite_RejectsOverCapacity(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir(), MaxBytes: 4}, testLogger())
	require.NoError(t, err)

	err = store.Write([]byte("this is definitely more than four bytes"))
	assert.Error(t, err)
}
