package chunked

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressible builds data with enough repetition for every codec to beat
// the raw size.
func compressible(size int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	pattern := make([]byte, 64)
	r.Read(pattern[:8])
	for i := 8; i < len(pattern); i++ {
		pattern[i] = pattern[i%8]
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

func incompressible(size int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	out := make([]byte, size)
	r.Read(out)
	return out
}

func buildArchive(t *testing.T, alg Algorithm, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, alg, 0, 0)
	require.NoError(t, err)
	// write in uneven pieces
	for off, step := 0, 1000; off < len(payload); off += step {
		end := off + step
		if end > len(payload) {
			end = len(payload)
		}
		_, err := w.Write(payload[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.Equal(t, uint64(buf.Len()), w.Size())
	require.Equal(t, uint64(len(payload)), w.UncompressedSize())
	return buf.Bytes()
}

func decompressAll(t *testing.T, archive []byte) []byte {
	t.Helper()
	ix, err := ParseIndex(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	d, err := NewLocalDecompressor()
	require.NoError(t, err)
	var out []byte
	for i := range ix.Entries {
		e := ix.Entries[i]
		chunk, err := d.Decompress(ix.Algorithm, archive[e.CompressedOffset:e.CompressedOffset+e.CompressedLength], ix.UncompressedChunkLen(i))
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		alg     Algorithm
		payload []byte
	}{
		{"zstd small", Zstd, compressible(1000, 1)},
		{"zstd several chunks", Zstd, compressible(5*DefaultChunkSize+123, 2)},
		{"zstd exact chunk multiple", Zstd, compressible(3*DefaultChunkSize, 3)},
		{"lz4 several chunks", LZ4, compressible(4*DefaultChunkSize+7, 4)},
		{"zstd incompressible", Zstd, incompressible(2*DefaultChunkSize, 5)},
		{"lz4 incompressible", LZ4, incompressible(2*DefaultChunkSize, 6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := buildArchive(t, tt.alg, tt.payload)
			got := decompressAll(t, archive)
			assert.True(t, bytes.Equal(tt.payload, got))
		})
	}
}

func TestCompressibleArchiveIsSmaller(t *testing.T) {
	payload := compressible(8*DefaultChunkSize, 7)
	archive := buildArchive(t, Zstd, payload)
	assert.Less(t, len(archive), len(payload))
}

func TestIncompressibleChunksStoredRaw(t *testing.T) {
	payload := incompressible(2*DefaultChunkSize, 8)
	archive := buildArchive(t, Zstd, payload)
	ix, err := ParseIndex(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	for i := range ix.Entries {
		assert.Equal(t, ix.UncompressedChunkLen(i), ix.Entries[i].CompressedLength)
	}
}

func TestChunksForRange(t *testing.T) {
	payload := compressible(4*DefaultChunkSize, 9)
	archive := buildArchive(t, Zstd, payload)
	ix, err := ParseIndex(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	require.Len(t, ix.Entries, 4)

	tests := []struct {
		name   string
		off    uint64
		length uint64
		want   []int
	}{
		{"empty", 0, 0, nil},
		{"first byte", 0, 1, []int{0}},
		{"inside second chunk", DefaultChunkSize + 5, 10, []int{1}},
		{"straddles a boundary", DefaultChunkSize - 1, 2, []int{0, 1}},
		{"everything", 0, 4 * DefaultChunkSize, []int{0, 1, 2, 3}},
		{"past the end", 5 * DefaultChunkSize, 10, nil},
		{"runs past the end", 3*DefaultChunkSize + 1, DefaultChunkSize * 2, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ix.ChunksForRange(tt.off, tt.length))
		})
	}
}

func TestParseIndexRejectsCorruption(t *testing.T) {
	payload := compressible(2*DefaultChunkSize, 10)
	archive := buildArchive(t, Zstd, payload)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), archive...)
		bad[len(bad)-footerSize] ^= 1
		_, err := ParseIndex(bytes.NewReader(bad), int64(len(bad)))
		assert.Error(t, err)
	})
	t.Run("bad index checksum", func(t *testing.T) {
		bad := append([]byte(nil), archive...)
		// flip one byte inside the index region
		bad[len(bad)-footerSize-1] ^= 1
		_, err := ParseIndex(bytes.NewReader(bad), int64(len(bad)))
		assert.Error(t, err)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := ParseIndex(bytes.NewReader(archive[:10]), 10)
		assert.Error(t, err)
	})
}

func TestDecompressRejectsWrongLength(t *testing.T) {
	payload := compressible(DefaultChunkSize, 11)
	archive := buildArchive(t, Zstd, payload)
	ix, err := ParseIndex(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	d, err := NewLocalDecompressor()
	require.NoError(t, err)
	e := ix.Entries[0]
	_, err = d.Decompress(ix.Algorithm, archive[e.CompressedOffset:e.CompressedOffset+e.CompressedLength], ix.UncompressedChunkLen(0)+1)
	assert.Error(t, err)
}
