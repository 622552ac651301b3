// Package layout defines the on-disk format of the blob store: the
// superblock, the node table records, extents, and the math locating each
// region on the device.
//
// Regions, in order from device offset 0: superblock, block bitmap, node
// table, journal, data area, then (optionally) a backup superblock in the
// last filesystem block.
package layout

import (
	"fmt"
)

const (
	// FSBlockSize is the filesystem block size. All on-disk structures and
	// all I/O are in multiples of it.
	FSBlockSize = 8192

	// DigestLen is the size of a blob digest (the Merkle root).
	DigestLen = 32

	// NodeSize is the size of one node table record.
	NodeSize = 128

	// NodesPerBlock is how many nodes pack into one filesystem block.
	NodesPerBlock = FSBlockSize / NodeSize

	// InlineExtents is the number of extents carried in the inode itself.
	InlineExtents = 8

	// ContainerExtents is the number of extents per extent container.
	ContainerExtents = 14

	// MaxExtentLength is the largest block run one extent can describe;
	// the length field is 16 bits wide.
	MaxExtentLength = 0xffff

	// InvalidNodeIndex terminates a node chain.
	InvalidNodeIndex = ^uint32(0)

	// Magic0 and Magic1 identify a formatted instance.
	Magic0 uint64 = 0xac2153479e694d21
	Magic1 uint64 = 0x985000d4d4d3d314

	// FormatVersion is the major on-disk version. A mismatch refuses the
	// mount.
	FormatVersion uint32 = 9

	// CurrentMinorVersion is stamped into superblocks written by this
	// build. Minor versions only ever add fields in reserved space.
	CurrentMinorVersion uint32 = 1

	// MinJournalBlocks is the smallest legal journal region, including its
	// two info anchor blocks.
	MinJournalBlocks = 18

	// DefaultInodeCount is used by the formatter when the caller does not
	// specify one.
	DefaultInodeCount = 8192

	// SuperblockBlock is the filesystem block holding the primary
	// superblock.
	SuperblockBlock = 0

	// BlockBitmapStartBlock is where the block bitmap region begins.
	BlockBitmapStartBlock = 1
)

// Superblock flag bits.
const (
	FlagClean               uint32 = 1 << 0
	FlagWithinVolumeManager uint32 = 1 << 1
	FlagTrimSupport         uint32 = 1 << 2
)

// BlobLayoutFormat selects where the Merkle tree lives relative to the
// payload.
type BlobLayoutFormat uint32

const (
	// PaddedMerkleTreeAtStart is the legacy layout: tree first, each level
	// rounded up to a whole block. Read-only.
	PaddedMerkleTreeAtStart BlobLayoutFormat = 1
	// CompactMerkleTreeAtEnd is the current layout: payload first, tree
	// packed into the slack at the end.
	CompactMerkleTreeAtEnd BlobLayoutFormat = 2
)

func (f BlobLayoutFormat) String() string {
	switch f {
	case PaddedMerkleTreeAtStart:
		return "padded-at-start"
	case CompactMerkleTreeAtEnd:
		return "compact-at-end"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(f))
	}
}

// Valid reports whether f is a known layout selector.
func (f BlobLayoutFormat) Valid() bool {
	return f == PaddedMerkleTreeAtStart || f == CompactMerkleTreeAtEnd
}

// BitmapBlocks returns how many filesystem blocks are needed for a bitmap
// covering dataBlocks blocks.
func BitmapBlocks(dataBlocks uint64) uint64 {
	bitsPerBlock := uint64(FSBlockSize * 8)
	return (dataBlocks + bitsPerBlock - 1) / bitsPerBlock
}

// NodeTableBlocks returns how many filesystem blocks hold inodeCount nodes.
func NodeTableBlocks(inodeCount uint64) uint64 {
	return (inodeCount + NodesPerBlock - 1) / NodesPerBlock
}

// RoundUpInodeCount rounds a requested inode count up to fill whole node
// table blocks.
func RoundUpInodeCount(n uint64) uint64 {
	return NodeTableBlocks(n) * NodesPerBlock
}

// MinimumBlocks returns the smallest device size, in filesystem blocks,
// that can host an instance with the given shape: superblock, a one-block
// bitmap, a one-block node table, a minimum journal, and one data block.
func MinimumBlocks(withBackup bool) uint64 {
	n := uint64(1 + 1 + 1 + MinJournalBlocks + 1)
	if withBackup {
		n++
	}
	return n
}
