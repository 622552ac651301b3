// Package journal implements the circular, checksummed write-ahead log
// that makes metadata updates crash consistent.
//
// The journal region is a ring of filesystem blocks. The first two blocks
// are info anchors recording the sequence number and start offset of the
// live portion; the rest hold entries. An entry is a header block (sequence
// number, payload length, target disk blocks, checksum), the payload
// blocks, and a commit block whose checksum seals the entry.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/diskfs/go-blobstore/blobstore/layout"
)

const (
	infoMagic   uint64 = 0x626c6f626a726e6c
	entryMagic  uint64 = 0x626c6f626a656e74
	commitMagic uint64 = 0x626c6f626a636d74

	// InfoBlocks is the number of anchor blocks at the start of the
	// region.
	InfoBlocks = 2

	// maxPayloadBlocks bounds one entry: its target list must fit in the
	// header block.
	maxPayloadBlocks = (layout.FSBlockSize - entryHeaderSize) / 8

	infoOffMagic    = 0
	infoOffSequence = 8
	infoOffHead     = 16
	infoOffChecksum = 24
	infoSize        = 28

	entryOffMagic    = 0
	entryOffSequence = 8
	entryOffCount    = 16
	entryOffChecksum = 20
	entryHeaderSize  = 24
	entryOffTargets  = entryHeaderSize

	commitOffMagic    = 0
	commitOffSequence = 8
	commitOffChecksum = 16
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// info is one anchor block: where the live portion of the ring begins and
// the sequence number of the entry found there.
type info struct {
	Sequence uint64
	// Head is the block offset of the oldest live entry within the entry
	// area.
	Head uint64
}

func (in info) toBytes() []byte {
	b := make([]byte, layout.FSBlockSize)
	binary.LittleEndian.PutUint64(b[infoOffMagic:], infoMagic)
	binary.LittleEndian.PutUint64(b[infoOffSequence:], in.Sequence)
	binary.LittleEndian.PutUint64(b[infoOffHead:], in.Head)
	binary.LittleEndian.PutUint32(b[infoOffChecksum:], crc32.Checksum(b[:infoOffChecksum], crcTable))
	return b
}

func infoFromBytes(b []byte) (info, error) {
	if binary.LittleEndian.Uint64(b[infoOffMagic:]) != infoMagic {
		return info{}, fmt.Errorf("bad journal info magic")
	}
	if crc32.Checksum(b[:infoOffChecksum], crcTable) != binary.LittleEndian.Uint32(b[infoOffChecksum:]) {
		return info{}, fmt.Errorf("journal info checksum mismatch")
	}
	return info{
		Sequence: binary.LittleEndian.Uint64(b[infoOffSequence:]),
		Head:     binary.LittleEndian.Uint64(b[infoOffHead:]),
	}, nil
}

// entryHeader describes one journal entry before its payload.
type entryHeader struct {
	Sequence uint64
	// Targets are the absolute disk blocks each payload block is destined
	// for, in payload order.
	Targets []uint64
}

// toBytes serializes the header block. The checksum field covers the
// header block (checksum zeroed) followed by the payload blocks, so a torn
// target list or payload is detected on replay.
func (h entryHeader) toBytes(payload [][]byte) []byte {
	b := make([]byte, layout.FSBlockSize)
	binary.LittleEndian.PutUint64(b[entryOffMagic:], entryMagic)
	binary.LittleEndian.PutUint64(b[entryOffSequence:], h.Sequence)
	binary.LittleEndian.PutUint32(b[entryOffCount:], uint32(len(h.Targets)))
	for i, t := range h.Targets {
		binary.LittleEndian.PutUint64(b[entryOffTargets+8*i:], t)
	}
	sum := crc32.Checksum(b, crcTable)
	for _, p := range payload {
		sum = crc32.Update(sum, crcTable, p)
	}
	binary.LittleEndian.PutUint32(b[entryOffChecksum:], sum)
	return b
}

// parseEntryHeader decodes a header block without verifying the payload
// checksum; verifyEntry does that once the payload is read.
func parseEntryHeader(b []byte) (entryHeader, uint32, error) {
	if binary.LittleEndian.Uint64(b[entryOffMagic:]) != entryMagic {
		return entryHeader{}, 0, fmt.Errorf("bad journal entry magic")
	}
	count := binary.LittleEndian.Uint32(b[entryOffCount:])
	if count == 0 || count > maxPayloadBlocks {
		return entryHeader{}, 0, fmt.Errorf("journal entry of %d payload blocks is malformed", count)
	}
	h := entryHeader{
		Sequence: binary.LittleEndian.Uint64(b[entryOffSequence:]),
		Targets:  make([]uint64, count),
	}
	for i := range h.Targets {
		h.Targets[i] = binary.LittleEndian.Uint64(b[entryOffTargets+8*i:])
	}
	return h, binary.LittleEndian.Uint32(b[entryOffChecksum:]), nil
}

// verifyEntry recomputes the sealed checksum over a header block and its
// payload.
func verifyEntry(headerBlock []byte, payload [][]byte, want uint32) bool {
	scratch := make([]byte, layout.FSBlockSize)
	copy(scratch, headerBlock)
	binary.LittleEndian.PutUint32(scratch[entryOffChecksum:], 0)
	sum := crc32.Checksum(scratch, crcTable)
	for _, p := range payload {
		sum = crc32.Update(sum, crcTable, p)
	}
	return sum == want
}

// commitBlock seals an entry. Its checksum covers the sequence number and
// the entry checksum, binding the marker to the entry it commits.
func commitBlock(sequence uint64, entrySum uint32) []byte {
	b := make([]byte, layout.FSBlockSize)
	binary.LittleEndian.PutUint64(b[commitOffMagic:], commitMagic)
	binary.LittleEndian.PutUint64(b[commitOffSequence:], sequence)
	var seal [12]byte
	binary.LittleEndian.PutUint64(seal[0:], sequence)
	binary.LittleEndian.PutUint32(seal[8:], entrySum)
	binary.LittleEndian.PutUint32(b[commitOffChecksum:], crc32.Checksum(seal[:], crcTable))
	return b
}

func verifyCommit(b []byte, sequence uint64, entrySum uint32) bool {
	if binary.LittleEndian.Uint64(b[commitOffMagic:]) != commitMagic {
		return false
	}
	if binary.LittleEndian.Uint64(b[commitOffSequence:]) != sequence {
		return false
	}
	var seal [12]byte
	binary.LittleEndian.PutUint64(seal[0:], sequence)
	binary.LittleEndian.PutUint32(seal[8:], entrySum)
	return binary.LittleEndian.Uint32(b[commitOffChecksum:]) == crc32.Checksum(seal[:], crcTable)
}
