// Package serializer encodes a LogRecord to JSON and compresses it with
// Zstandard for transport and on-disk fallback storage. This codebase
// reaches for klauspost/compress for every Zstd need, including the
// broader multi-algorithm HTTP compressor elsewhere in the tree; this
// stage uses the zstd encoder/decoder directly since only one algorithm
// is in scope here.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"securelog-core/internal/metrics"
	"securelog-core/pkg/types"
)

// ZstdMagic is the 4-byte frame magic every valid zstd frame starts
// with; fallback-store replay uses this to skip corrupt files cheaply.
var ZstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Serializer encodes records to compressed bytes and back.
type Serializer struct {
	maxUncompressed int64
	encoder         *zstd.Encoder
	decoder         *zstd.Decoder
}

// New constructs a Serializer. level is the zstd compression level in
// [1..22]; maxUncompressed bounds the pre-compression JSON size a
// single record may occupy.
func New(level, maxUncompressed int) (*Serializer, error) {
	if level < 1 || level > 22 {
		return nil, fmt.Errorf("serializer: zstd level %d is outside [1..22]", level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("serializer: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("serializer: new decoder: %w", err)
	}
	return &Serializer{maxUncompressed: int64(maxUncompressed), encoder: enc, decoder: dec}, nil
}

// Encode serializes rec to JSON, enforces the size bound, and returns
// the zstd-compressed bytes.
func (s *Serializer) Encode(rec *types.LogRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serializer: marshal: %w", err)
	}
	if int64(len(raw)) > s.maxUncompressed {
		return nil, fmt.Errorf("serializer: record is %d bytes, exceeds limit of %d", len(raw), s.maxUncompressed)
	}
	metrics.SerializerBytesTotal.WithLabelValues("uncompressed").Add(float64(len(raw)))

	compressed := s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	metrics.SerializerBytesTotal.WithLabelValues("compressed").Add(float64(len(compressed)))
	return compressed, nil
}

// Decode reverses Encode. It reads the declared decompressed size from
// the zstd frame header before decompressing, rejecting frames that
// declare no size or a size over the configured limit, then verifies
// the actual decompressed length matches what was declared.
func (s *Serializer) Decode(data []byte) (*types.LogRecord, error) {
	if len(data) < len(ZstdMagic) {
		return nil, fmt.Errorf("serializer: input too short to be a zstd frame")
	}
	for i, b := range ZstdMagic {
		if data[i] != b {
			return nil, fmt.Errorf("serializer: missing zstd frame magic, data is corrupt")
		}
	}

	var hdr zstd.Header
	if err := hdr.Decode(data); err != nil {
		return nil, fmt.Errorf("serializer: decode frame header: %w", err)
	}
	if hdr.FrameContentSize == 0 && !hdr.HasFCS {
		return nil, fmt.Errorf("serializer: frame declares no content size, refusing to decode")
	}
	declared := int64(hdr.FrameContentSize)
	if declared > s.maxUncompressed {
		return nil, fmt.Errorf("serializer: declared size %d exceeds limit of %d", declared, s.maxUncompressed)
	}

	raw, err := s.decoder.DecodeAll(data, make([]byte, 0, declared))
	if err != nil {
		return nil, fmt.Errorf("serializer: decompress: %w", err)
	}
	if int64(len(raw)) != declared {
		return nil, fmt.Errorf("serializer: decompressed %d bytes, frame declared %d: corrupt", len(raw), declared)
	}

	var rec types.LogRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("serializer: unmarshal: %w", err)
	}
	return &rec, nil
}

// Close releases the serializer's pooled resources.
func (s *Serializer) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
