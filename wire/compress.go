package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding names accepted in the rpc-encoding header.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
	EncodingLZ4      = "lz4"
)

// ErrTooLarge is returned when a message exceeds the configured limit.
var ErrTooLarge = errors.New("wire: message too large")

// Compressor compresses whole frame payloads.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data, failing with ErrTooLarge when the
	// result would exceed limit bytes. A limit of zero means no limit.
	Decompress(data []byte, limit int) ([]byte, error)
}

// Encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

type identity struct{}

func (identity) Name() string { return EncodingIdentity }

func (identity) Compress(data []byte) ([]byte, error) { return data, nil }

func (identity) Decompress(data []byte, limit int) ([]byte, error) {
	if limit > 0 && len(data) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return EncodingZstd }

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if limit > 0 && len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// lz4Compressor uses the self-describing lz4 frame format so that the
// uncompressed size need not travel separately.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return EncodingLZ4 }

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte, limit int) ([]byte, error) {
	var r io.Reader = lz4.NewReader(bytes.NewReader(data))
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if limit > 0 && len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Built-in compressors.
var (
	Identity Compressor = identity{}
	Zstd     Compressor = zstdCompressor{}
	LZ4      Compressor = lz4Compressor{}
)

// CompressorFor returns the compressor named by an rpc-encoding header.
// An empty name selects Identity.
func CompressorFor(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingIdentity:
		return Identity, nil
	case EncodingZstd:
		return Zstd, nil
	case EncodingLZ4:
		return LZ4, nil
	}
	return nil, fmt.Errorf("wire: unsupported encoding %q", name)
}
