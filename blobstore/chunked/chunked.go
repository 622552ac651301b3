// Package chunked implements the seekable compressed container used for
// blob payloads. The payload is split into fixed-size input chunks, each
// compressed independently; an index at the end of the archive records
// where each chunk landed so a reader can fetch and decompress only the
// chunks overlapping a requested range.
package chunked

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// DefaultChunkSize is the uncompressed bytes per chunk.
	DefaultChunkSize = 32768

	// footerSize is the fixed trailer at the very end of an archive.
	footerSize = 48

	// entrySize is one serialized index entry.
	entrySize = 24

	formatVersion uint32 = 1
)

var archiveMagic = [8]byte{'s', 'b', 'c', 'h', 'u', 'n', 'k', 'd'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Algorithm selects the per-chunk compressor.
type Algorithm uint32

const (
	Zstd Algorithm = 1
	LZ4  Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(a))
	}
}

// Entry locates one compressed chunk within the archive.
type Entry struct {
	UncompressedOffset uint64
	CompressedOffset   uint64
	CompressedLength   uint64
}

// Index is the parsed archive index plus trailer fields.
type Index struct {
	Algorithm        Algorithm
	ChunkSize        uint64
	UncompressedSize uint64
	Entries          []Entry
}

// UncompressedChunkLen returns the uncompressed length of chunk i.
func (ix *Index) UncompressedChunkLen(i int) uint64 {
	start := ix.Entries[i].UncompressedOffset
	if i+1 < len(ix.Entries) {
		return ix.Entries[i+1].UncompressedOffset - start
	}
	return ix.UncompressedSize - start
}

// ChunksForRange returns the indices of the chunks overlapping
// [off, off+length).
func (ix *Index) ChunksForRange(off, length uint64) []int {
	if length == 0 || off >= ix.UncompressedSize {
		return nil
	}
	end := off + length
	if end > ix.UncompressedSize {
		end = ix.UncompressedSize
	}
	var out []int
	for i := range ix.Entries {
		cStart := ix.Entries[i].UncompressedOffset
		cEnd := cStart + ix.UncompressedChunkLen(i)
		if cEnd <= off {
			continue
		}
		if cStart >= end {
			break
		}
		out = append(out, i)
	}
	return out
}

// ParseIndex reads the index from the tail of an archive of archiveSize
// bytes.
func ParseIndex(r io.ReaderAt, archiveSize int64) (*Index, error) {
	if archiveSize < footerSize {
		return nil, fmt.Errorf("archive of %d bytes has no room for a footer", archiveSize)
	}
	footer := make([]byte, footerSize)
	if _, err := r.ReadAt(footer, archiveSize-footerSize); err != nil {
		return nil, fmt.Errorf("reading archive footer: %w", err)
	}
	if [8]byte(footer[0:8]) != archiveMagic {
		return nil, fmt.Errorf("bad archive magic")
	}
	version := binary.LittleEndian.Uint32(footer[8:])
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", version)
	}
	ix := &Index{
		Algorithm:        Algorithm(binary.LittleEndian.Uint32(footer[12:])),
		ChunkSize:        binary.LittleEndian.Uint64(footer[16:]),
		UncompressedSize: binary.LittleEndian.Uint64(footer[24:]),
	}
	indexOffset := binary.LittleEndian.Uint64(footer[32:])
	wantSum := binary.LittleEndian.Uint32(footer[40:])
	indexLen := archiveSize - footerSize - int64(indexOffset)
	if indexLen < 0 || indexLen%entrySize != 0 {
		return nil, fmt.Errorf("index region of %d bytes is malformed", indexLen)
	}
	raw := make([]byte, indexLen)
	if _, err := r.ReadAt(raw, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("reading archive index: %w", err)
	}
	if crc32.Checksum(raw, crcTable) != wantSum {
		return nil, fmt.Errorf("archive index checksum mismatch")
	}
	n := int(indexLen / entrySize)
	ix.Entries = make([]Entry, n)
	for i := 0; i < n; i++ {
		e := raw[i*entrySize:]
		ix.Entries[i] = Entry{
			UncompressedOffset: binary.LittleEndian.Uint64(e[0:]),
			CompressedOffset:   binary.LittleEndian.Uint64(e[8:]),
			CompressedLength:   binary.LittleEndian.Uint64(e[16:]),
		}
	}
	if err := ix.validate(uint64(indexOffset)); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) validate(indexOffset uint64) error {
	if ix.Algorithm != Zstd && ix.Algorithm != LZ4 {
		return fmt.Errorf("unknown compression algorithm %d", ix.Algorithm)
	}
	if ix.ChunkSize == 0 {
		return fmt.Errorf("zero chunk size")
	}
	var uncomp uint64
	for i := range ix.Entries {
		e := ix.Entries[i]
		if e.UncompressedOffset != uncomp {
			return fmt.Errorf("chunk %d uncompressed offset %d, want %d", i, e.UncompressedOffset, uncomp)
		}
		if e.CompressedOffset+e.CompressedLength > indexOffset {
			return fmt.Errorf("chunk %d overlaps the index", i)
		}
		uncomp += ix.UncompressedChunkLen(i)
	}
	if uncomp != ix.UncompressedSize {
		return fmt.Errorf("chunks cover %d bytes, archive claims %d", uncomp, ix.UncompressedSize)
	}
	return nil
}

func serializeIndex(entries []Entry) []byte {
	raw := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(raw[i*entrySize:], e.UncompressedOffset)
		binary.LittleEndian.PutUint64(raw[i*entrySize+8:], e.CompressedOffset)
		binary.LittleEndian.PutUint64(raw[i*entrySize+16:], e.CompressedLength)
	}
	return raw
}

func serializeFooter(alg Algorithm, chunkSize, uncompressedSize, indexOffset uint64, indexSum uint32) []byte {
	footer := make([]byte, footerSize)
	copy(footer, archiveMagic[:])
	binary.LittleEndian.PutUint32(footer[8:], formatVersion)
	binary.LittleEndian.PutUint32(footer[12:], uint32(alg))
	binary.LittleEndian.PutUint64(footer[16:], chunkSize)
	binary.LittleEndian.PutUint64(footer[24:], uncompressedSize)
	binary.LittleEndian.PutUint64(footer[32:], indexOffset)
	binary.LittleEndian.PutUint32(footer[40:], indexSum)
	return footer
}

// OverheadBytes returns the archive overhead (index plus footer) for a
// payload of size bytes at the given chunk size; used by the storage
// policy deciding whether compression pays for itself.
func OverheadBytes(size, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	chunks := (size + chunkSize - 1) / chunkSize
	return chunks*entrySize + footerSize
}
