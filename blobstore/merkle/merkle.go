// Package merkle builds and verifies the Merkle tree whose root digest
// names a blob.
//
// Each tree node hashes one filesystem-block-sized chunk. The hash input
// is the node's locality (level id XOR byte offset within the level) and
// effective length, followed by the chunk bytes zero-padded to a whole
// block. Interior levels hash the concatenated digests of the level below.
// The single digest of the top level is the blob's name and is not stored.
// The hash primitive is BLAKE2b-256; it is a constant of the on-disk
// format.
package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// NodeSize is the chunk size hashed per tree node.
	NodeSize = 8192
	// DigestLen is the digest size in bytes.
	DigestLen = 32
	// DigestsPerNode is the tree fan-out.
	DigestsPerNode = NodeSize / DigestLen
)

// Digest is one tree digest.
type Digest = [DigestLen]byte

var zeros [NodeSize]byte

// hashNode hashes one node: id is the level, off the chunk's byte offset
// within its level, levelLen the level's total byte length.
func hashNode(id, off, levelLen uint64, chunk []byte) Digest {
	h, _ := blake2b.New256(nil)
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:], id^off)
	length := levelLen - off
	if length > NodeSize {
		length = NodeSize
	}
	binary.LittleEndian.PutUint32(hdr[8:], uint32(length))
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(chunk)
	if pad := (NodeSize - len(chunk)%NodeSize) % NodeSize; pad > 0 {
		_, _ = h.Write(zeros[:pad])
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// levelWidths returns the digest count of every stored level for a blob of
// dataSize bytes, leaf level first. The root is not stored and not
// counted. A payload of one chunk or less has no stored levels.
func levelWidths(dataSize uint64) []uint64 {
	chunks := (dataSize + NodeSize - 1) / NodeSize
	if chunks <= 1 {
		return nil
	}
	var widths []uint64
	for chunks > 1 {
		widths = append(widths, chunks)
		chunks = (chunks*DigestLen + NodeSize - 1) / NodeSize
	}
	return widths
}

// TreeSize returns the stored tree size in bytes for a blob of dataSize
// bytes. In the padded layout every level is rounded up to a whole block.
func TreeSize(dataSize uint64, padded bool) uint64 {
	var total uint64
	for _, w := range levelWidths(dataSize) {
		if padded {
			total += (w*DigestLen + NodeSize - 1) / NodeSize * NodeSize
		} else {
			total += w * DigestLen
		}
	}
	return total
}

// levelOffsets returns the byte offset of each stored level within the
// serialized tree, alongside the level widths in digests.
func levelOffsets(dataSize uint64, padded bool) (offsets, widths []uint64) {
	widths = levelWidths(dataSize)
	var off uint64
	for _, w := range widths {
		offsets = append(offsets, off)
		if padded {
			off += (w*DigestLen + NodeSize - 1) / NodeSize * NodeSize
		} else {
			off += w * DigestLen
		}
	}
	return offsets, widths
}

// Builder computes a tree incrementally over streamed payload bytes; no
// second pass over the data is needed. A full chunk's leaf hash does not
// depend on the total length, so leaves are hashed as chunks complete.
type Builder struct {
	leaves   []Digest
	levels   [][]Digest
	pending  []byte
	size     uint64
	finished bool
	root     Digest
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Write feeds payload bytes; it implements io.Writer.
func (b *Builder) Write(p []byte) (int, error) {
	if b.finished {
		return 0, fmt.Errorf("builder already finished")
	}
	n := len(p)
	for len(p) > 0 {
		if len(b.pending) == 0 && len(p) >= NodeSize {
			b.leaves = append(b.leaves, hashNode(0, b.size, b.size+NodeSize, p[:NodeSize]))
			b.size += NodeSize
			p = p[NodeSize:]
			continue
		}
		take := NodeSize - len(b.pending)
		if take > len(p) {
			take = len(p)
		}
		b.pending = append(b.pending, p[:take]...)
		b.size += uint64(take)
		p = p[take:]
		if len(b.pending) == NodeSize {
			b.leaves = append(b.leaves, hashNode(0, b.size-NodeSize, b.size, b.pending))
			b.pending = b.pending[:0]
		}
	}
	return n, nil
}

// Finish finalizes the tree and returns the root digest.
func (b *Builder) Finish() (Digest, error) {
	if b.finished {
		return b.root, nil
	}
	b.finished = true
	if len(b.pending) > 0 {
		b.leaves = append(b.leaves, hashNode(0, b.size-uint64(len(b.pending)), b.size, b.pending))
		b.pending = nil
	}
	if b.size == 0 {
		b.root = hashNode(0, 0, 0, nil)
		return b.root, nil
	}
	if len(b.leaves) == 1 {
		b.root = b.leaves[0]
		return b.root, nil
	}
	cur := b.leaves
	for len(cur) > 1 {
		b.levels = append(b.levels, cur)
		raw := digestsToBytes(cur)
		levelLen := uint64(len(raw))
		id := uint64(len(b.levels))
		var next []Digest
		for off := uint64(0); off < levelLen; off += NodeSize {
			end := off + NodeSize
			if end > levelLen {
				end = levelLen
			}
			next = append(next, hashNode(id, off, levelLen, raw[off:end]))
		}
		cur = next
	}
	b.root = cur[0]
	return b.root, nil
}

// TreeBytes serializes the stored levels, leaf level first. padded rounds
// each level up to a whole block.
func (b *Builder) TreeBytes(padded bool) ([]byte, error) {
	if !b.finished {
		return nil, fmt.Errorf("builder not finished")
	}
	if len(b.levels) == 0 {
		return nil, nil
	}
	var out bytes.Buffer
	for _, lvl := range b.levels {
		raw := digestsToBytes(lvl)
		out.Write(raw)
		if padded {
			if pad := (NodeSize - len(raw)%NodeSize) % NodeSize; pad > 0 {
				out.Write(zeros[:pad])
			}
		}
	}
	return out.Bytes(), nil
}

// Size returns the number of payload bytes consumed so far.
func (b *Builder) Size() uint64 { return b.size }

func digestsToBytes(ds []Digest) []byte {
	out := make([]byte, 0, len(ds)*DigestLen)
	for i := range ds {
		out = append(out, ds[i][:]...)
	}
	return out
}

// Root is a convenience that computes the root digest of a full payload.
func Root(data []byte) Digest {
	b := NewBuilder()
	_, _ = b.Write(data)
	root, _ := b.Finish()
	return root
}

// BuildTree computes both the root and the serialized tree of a payload.
func BuildTree(data []byte, padded bool) (Digest, []byte) {
	b := NewBuilder()
	_, _ = b.Write(data)
	root, _ := b.Finish()
	tree, _ := b.TreeBytes(padded)
	return root, tree
}
