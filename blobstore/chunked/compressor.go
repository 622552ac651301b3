package chunked

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressor turns one uncompressed chunk into a frame. A nil result with
// a nil error means the chunk did not compress; the writer stores it raw.
type compressor interface {
	compressChunk(src []byte) ([]byte, error)
}

// Decompressor turns compressed frames back into chunk bytes. The mount
// may swap in an external sandboxed implementation; NewLocalDecompressor
// returns the in-process one.
type Decompressor interface {
	Decompress(alg Algorithm, compressed []byte, uncompressedLen uint64) ([]byte, error)
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func newZstdCompressor(level int) (*zstdCompressor, error) {
	if level == 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &zstdCompressor{enc: enc}, nil
}

func (c *zstdCompressor) compressChunk(src []byte) ([]byte, error) {
	out := c.enc.EncodeAll(src, nil)
	if len(out) >= len(src) {
		return nil, nil
	}
	return out, nil
}

type lz4Compressor struct {
	c lz4.Compressor
}

func (c *lz4Compressor) compressChunk(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.c.CompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression: %w", err)
	}
	if n == 0 || n >= len(src) {
		// incompressible
		return nil, nil
	}
	return dst[:n], nil
}

func newCompressor(alg Algorithm, level int) (compressor, error) {
	switch alg {
	case Zstd:
		return newZstdCompressor(level)
	case LZ4:
		return &lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", alg)
	}
}

// localDecompressor is the in-process Decompressor.
type localDecompressor struct {
	dec *zstd.Decoder
}

// NewLocalDecompressor returns the in-process Decompressor.
func NewLocalDecompressor() (Decompressor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &localDecompressor{dec: dec}, nil
}

func (d *localDecompressor) Decompress(alg Algorithm, compressed []byte, uncompressedLen uint64) ([]byte, error) {
	// A frame stored raw is recognizable by its length.
	if uint64(len(compressed)) == uncompressedLen {
		out := make([]byte, len(compressed))
		copy(out, compressed)
		return out, nil
	}
	switch alg {
	case Zstd:
		out, err := d.dec.DecodeAll(compressed, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if uint64(len(out)) != uncompressedLen {
			return nil, fmt.Errorf("zstd chunk decompressed to %d bytes, want %d", len(out), uncompressedLen)
		}
		return out, nil
	case LZ4:
		out := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if uint64(n) != uncompressedLen {
			return nil, fmt.Errorf("lz4 chunk decompressed to %d bytes, want %d", n, uncompressedLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", alg)
	}
}
