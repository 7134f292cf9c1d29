package persist

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a payload compression algorithm
type Algorithm string

const (
	// AlgorithmNone stores payloads as they are
	AlgorithmNone Algorithm = "none"
	// AlgorithmZstd uses Zstandard compression
	AlgorithmZstd Algorithm = "zstd"
	// AlgorithmLZ4 uses LZ4 compression (faster, less compression)
	AlgorithmLZ4 Algorithm = "lz4"
)

// Codec compresses snapshot payloads
type Codec interface {
	Algorithm() Algorithm
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCodec returns the codec for alg.
func NewCodec(alg Algorithm) (Codec, error) {
	switch alg {
	case AlgorithmNone, "":
		return noneCodec{}, nil
	case AlgorithmZstd:
		return newZstdCodec()
	case AlgorithmLZ4:
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", alg)
	}
}

type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm { return AlgorithmNone }

func (noneCodec) Compress(data []byte) ([]byte, error) { return data, nil }

func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// zstdCodec keeps one encoder and decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}

	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Algorithm() Algorithm { return AlgorithmZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

type lz4Codec struct{}

func (lz4Codec) Algorithm() Algorithm { return AlgorithmLZ4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	_ = writer.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
