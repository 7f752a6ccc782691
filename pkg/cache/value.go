package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies the compression algorithm applied to a stored value.
// Entries using different algorithms coexist side by side; each entry
// records which one was used.
type Algorithm string

const (
	AlgorithmNone Algorithm = ""
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmZstd Algorithm = "zstd"
)

// maxDecompressedBytes bounds decompression output to guard against
// decompression bombs.
const maxDecompressedBytes = 100 * 1024 * 1024

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		// Stateless EncodeAll/DecodeAll usage, safe for concurrent callers
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

// Value holds the serialized, possibly compressed form of a cached value
// together with enough bookkeeping to reverse both transformations.
type Value struct {
	data         []byte
	originalSize int
	algorithm    Algorithm
}

// EncodeValue serializes value to JSON and, when compress is requested and
// the serialized form is at least threshold bytes, compresses it with the
// selected algorithm. Compression that does not shrink the payload is
// discarded and the value is stored uncompressed.
func EncodeValue(value interface{}, compress bool, threshold int, algorithm Algorithm) (*Value, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	v := &Value{
		data:         data,
		originalSize: len(data),
		algorithm:    AlgorithmNone,
	}

	if !compress || len(data) < threshold {
		return v, nil
	}

	if algorithm == AlgorithmNone {
		algorithm = AlgorithmGzip
	}

	compressed, err := compressBytes(data, algorithm)
	if err != nil {
		// Store uncompressed rather than failing the write
		return v, nil
	}
	if len(compressed) >= len(data) {
		return v, nil
	}

	v.data = compressed
	v.algorithm = algorithm
	return v, nil
}

// NewStoredValue reconstructs a Value from its stored byte form, as read
// back from a shared tier.
func NewStoredValue(data []byte, algorithm Algorithm, originalSize int) *Value {
	if originalSize <= 0 {
		originalSize = len(data)
	}
	return &Value{
		data:         data,
		originalSize: originalSize,
		algorithm:    algorithm,
	}
}

// Decode reverses decompression (if flagged) then deserialization. A value
// that cannot be deserialized degrades to the raw text or bytes instead of
// reporting an error; decoding never fails a read.
func (v *Value) Decode() interface{} {
	data := v.data
	if v.algorithm != AlgorithmNone {
		decompressed, err := decompressBytes(data, v.algorithm)
		if err == nil {
			data = decompressed
		}
	}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		if utf8.Valid(data) {
			return string(data)
		}
		return data
	}
	return decoded
}

// Bytes returns the stored (possibly compressed) byte form.
func (v *Value) Bytes() []byte {
	return v.data
}

// Size returns the current stored size in bytes.
func (v *Value) Size() int {
	return len(v.data)
}

// OriginalSize returns the serialized size before compression.
func (v *Value) OriginalSize() int {
	return v.originalSize
}

// Compressed reports whether the stored form is compressed.
func (v *Value) Compressed() bool {
	return v.algorithm != AlgorithmNone
}

// Algorithm returns the compression algorithm recorded for this value.
func (v *Value) Algorithm() Algorithm {
	return v.algorithm
}

// CompressionRatio returns original size over stored size, or 1.0 when the
// value is stored uncompressed.
func (v *Value) CompressionRatio() float64 {
	if v.algorithm == AlgorithmNone || len(v.data) == 0 {
		return 1.0
	}
	return float64(v.originalSize) / float64(len(v.data))
}

func compressBytes(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := gz.Write(data); err != nil {
			_ = gz.Close()
			return nil, fmt.Errorf("compression write failed: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgorithmZstd:
		enc, _ := zstdCodecs()
		if enc == nil {
			return nil, fmt.Errorf("zstd encoder unavailable")
		}
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
}

func decompressBytes(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = gz.Close()
		}()
		return io.ReadAll(io.LimitReader(gz, maxDecompressedBytes))
	case AlgorithmZstd:
		_, dec := zstdCodecs()
		if dec == nil {
			return nil, fmt.Errorf("zstd decoder unavailable")
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
}
