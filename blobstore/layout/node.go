package layout

import (
	"encoding/binary"
	"fmt"
)

// Node flag bits.
const (
	NodeFlagAllocated       uint16 = 1 << 0
	NodeFlagExtentContainer uint16 = 1 << 1
	NodeFlagChunkedZstd     uint16 = 1 << 2
	NodeFlagChunkedLZ4      uint16 = 1 << 3

	nodeCompressionMask = NodeFlagChunkedZstd | NodeFlagChunkedLZ4

	// NodeVersion is the current node record version.
	NodeVersion uint16 = 1
)

// Extent is a contiguous run of data blocks. Start is an absolute
// filesystem block number; Length is bounded by MaxExtentLength.
type Extent struct {
	Start  uint64
	Length uint16
}

// extents are packed as start<<16 | length; start is limited to 48 bits.
const maxExtentStart = (uint64(1) << 48) - 1

func (e Extent) encode() uint64 {
	return e.Start<<16 | uint64(e.Length)
}

func decodeExtent(v uint64) Extent {
	return Extent{Start: v >> 16, Length: uint16(v & 0xffff)}
}

// End returns the first block past the extent.
func (e Extent) End() uint64 { return e.Start + uint64(e.Length) }

// Valid reports whether the extent is encodable.
func (e Extent) Valid() bool { return e.Start <= maxExtentStart && e.Length > 0 }

// NodeHeader is the common prefix of every node record.
type NodeHeader struct {
	Flags   uint16
	Version uint16
	// NextNode chains extent containers; InvalidNodeIndex terminates.
	NextNode uint32
}

// Allocated reports whether the node is in use.
func (h NodeHeader) Allocated() bool { return h.Flags&NodeFlagAllocated != 0 }

// IsExtentContainer reports whether the node is a continuation record
// rather than a blob head.
func (h NodeHeader) IsExtentContainer() bool { return h.Flags&NodeFlagExtentContainer != 0 }

// Inode is a blob head node: the digest, the sizes, and the first extents.
type Inode struct {
	Header NodeHeader
	Digest [DigestLen]byte
	// UncompressedSize is the logical blob size in bytes.
	UncompressedSize uint64
	// StoredSize is the exact end offset of the on-disk image (payload
	// plus Merkle tree) within the blob's blocks.
	StoredSize uint64
	// BlockCount is the number of data blocks allocated to the blob.
	BlockCount uint32
	// ExtentCount is the total number of extents across the inode and its
	// container chain.
	ExtentCount uint32
	Extents     [InlineExtents]Extent
}

// ExtentContainer carries additional extents for a blob whose extent list
// does not fit in the inode.
type ExtentContainer struct {
	Header NodeHeader
	// PreviousNode points back at the inode; used for validation and
	// recovery.
	PreviousNode uint32
	// ExtentCount is the number of live extents in this container.
	ExtentCount uint32
	Extents     [ContainerExtents]Extent
}

const (
	nodeOffFlags    = 0
	nodeOffVersion  = 2
	nodeOffNextNode = 4

	inodeOffDigest      = 8
	inodeOffUncompSize  = 40
	inodeOffStoredSize  = 48
	inodeOffBlockCount  = 56
	inodeOffExtentCount = 60
	inodeOffExtents     = 64

	containerOffPrevNode    = 8
	containerOffExtentCount = 12
	containerOffExtents     = 16
)

func putHeader(b []byte, h NodeHeader) {
	binary.LittleEndian.PutUint16(b[nodeOffFlags:], h.Flags)
	binary.LittleEndian.PutUint16(b[nodeOffVersion:], h.Version)
	binary.LittleEndian.PutUint32(b[nodeOffNextNode:], h.NextNode)
}

// HeaderFromBytes decodes just the node header from a node record.
func HeaderFromBytes(b []byte) NodeHeader {
	return NodeHeader{
		Flags:    binary.LittleEndian.Uint16(b[nodeOffFlags:]),
		Version:  binary.LittleEndian.Uint16(b[nodeOffVersion:]),
		NextNode: binary.LittleEndian.Uint32(b[nodeOffNextNode:]),
	}
}

// ToBytes serializes the inode into a NodeSize record.
func (ino *Inode) ToBytes() []byte {
	b := make([]byte, NodeSize)
	putHeader(b, ino.Header)
	copy(b[inodeOffDigest:], ino.Digest[:])
	binary.LittleEndian.PutUint64(b[inodeOffUncompSize:], ino.UncompressedSize)
	binary.LittleEndian.PutUint64(b[inodeOffStoredSize:], ino.StoredSize)
	binary.LittleEndian.PutUint32(b[inodeOffBlockCount:], ino.BlockCount)
	binary.LittleEndian.PutUint32(b[inodeOffExtentCount:], ino.ExtentCount)
	for i, e := range ino.Extents {
		binary.LittleEndian.PutUint64(b[inodeOffExtents+8*i:], e.encode())
	}
	return b
}

// InodeFromBytes decodes an inode record.
func InodeFromBytes(b []byte) (*Inode, error) {
	if len(b) < NodeSize {
		return nil, fmt.Errorf("node buffer too small: %d bytes", len(b))
	}
	ino := &Inode{Header: HeaderFromBytes(b)}
	if ino.Header.IsExtentContainer() {
		return nil, fmt.Errorf("node is an extent container, not an inode")
	}
	copy(ino.Digest[:], b[inodeOffDigest:])
	ino.UncompressedSize = binary.LittleEndian.Uint64(b[inodeOffUncompSize:])
	ino.StoredSize = binary.LittleEndian.Uint64(b[inodeOffStoredSize:])
	ino.BlockCount = binary.LittleEndian.Uint32(b[inodeOffBlockCount:])
	ino.ExtentCount = binary.LittleEndian.Uint32(b[inodeOffExtentCount:])
	for i := range ino.Extents {
		ino.Extents[i] = decodeExtent(binary.LittleEndian.Uint64(b[inodeOffExtents+8*i:]))
	}
	return ino, nil
}

// ToBytes serializes the container into a NodeSize record.
func (c *ExtentContainer) ToBytes() []byte {
	b := make([]byte, NodeSize)
	putHeader(b, c.Header)
	binary.LittleEndian.PutUint32(b[containerOffPrevNode:], c.PreviousNode)
	binary.LittleEndian.PutUint32(b[containerOffExtentCount:], c.ExtentCount)
	for i, e := range c.Extents {
		binary.LittleEndian.PutUint64(b[containerOffExtents+8*i:], e.encode())
	}
	return b
}

// ContainerFromBytes decodes an extent container record.
func ContainerFromBytes(b []byte) (*ExtentContainer, error) {
	if len(b) < NodeSize {
		return nil, fmt.Errorf("node buffer too small: %d bytes", len(b))
	}
	c := &ExtentContainer{Header: HeaderFromBytes(b)}
	if !c.Header.IsExtentContainer() {
		return nil, fmt.Errorf("node is not an extent container")
	}
	c.PreviousNode = binary.LittleEndian.Uint32(b[containerOffPrevNode:])
	c.ExtentCount = binary.LittleEndian.Uint32(b[containerOffExtentCount:])
	for i := range c.Extents {
		c.Extents[i] = decodeExtent(binary.LittleEndian.Uint64(b[containerOffExtents+8*i:]))
	}
	return c, nil
}

// CompressionAlgorithm is the per-blob compression selector stored in the
// inode flags.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionChunkedZstd
	CompressionChunkedLZ4
)

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionNone:
		return "uncompressed"
	case CompressionChunkedZstd:
		return "chunked-zstd"
	case CompressionChunkedLZ4:
		return "chunked-lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Compression extracts the per-blob compression algorithm from the flags.
func (h NodeHeader) Compression() (CompressionAlgorithm, error) {
	switch h.Flags & nodeCompressionMask {
	case 0:
		return CompressionNone, nil
	case NodeFlagChunkedZstd:
		return CompressionChunkedZstd, nil
	case NodeFlagChunkedLZ4:
		return CompressionChunkedLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("conflicting compression flags %#x", h.Flags)
	}
}

// CompressionFlags returns the flag bits encoding a.
func CompressionFlags(a CompressionAlgorithm) uint16 {
	switch a {
	case CompressionChunkedZstd:
		return NodeFlagChunkedZstd
	case CompressionChunkedLZ4:
		return NodeFlagChunkedLZ4
	default:
		return 0
	}
}
