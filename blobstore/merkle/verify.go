package merkle

import (
	"bytes"
	"fmt"
)

// ErrMismatch is returned (wrapped) whenever a digest comparison fails.
var ErrMismatch = fmt.Errorf("merkle digest mismatch")

// Verifier checks payload chunks against a stored tree and an expected
// root. The per-chunk check walks only the tree path covering the chunk,
// so cost is logarithmic in the blob size.
type Verifier struct {
	root     Digest
	dataSize uint64
	tree     []byte
	padded   bool
	offsets  []uint64
	widths   []uint64
}

// NewVerifier builds a verifier. tree must be exactly the stored tree for
// a payload of dataSize bytes (possibly with trailing padding in the
// padded layout); its length is validated.
func NewVerifier(root Digest, tree []byte, dataSize uint64, padded bool) (*Verifier, error) {
	want := TreeSize(dataSize, padded)
	if uint64(len(tree)) < want {
		return nil, fmt.Errorf("tree of %d bytes too small for %d byte payload (want %d)", len(tree), dataSize, want)
	}
	offsets, widths := levelOffsets(dataSize, padded)
	return &Verifier{
		root:     root,
		dataSize: dataSize,
		tree:     tree,
		padded:   padded,
		offsets:  offsets,
		widths:   widths,
	}, nil
}

// levelDigest returns digest idx of stored level lvl.
func (v *Verifier) levelDigest(lvl int, idx uint64) Digest {
	var d Digest
	copy(d[:], v.tree[v.offsets[lvl]+idx*DigestLen:])
	return d
}

// levelNode returns the chunk of stored level lvl starting at byte off,
// clamped to the level's raw length.
func (v *Verifier) levelNode(lvl int, off uint64) []byte {
	rawLen := v.widths[lvl] * DigestLen
	end := off + NodeSize
	if end > rawLen {
		end = rawLen
	}
	return v.tree[v.offsets[lvl]+off : v.offsets[lvl]+end]
}

// VerifyChunk checks one payload chunk. chunkNo is the chunk index; chunk
// holds the payload bytes for that chunk, short only for the final chunk.
// A nil error means the chunk is exactly the named bytes.
func (v *Verifier) VerifyChunk(chunkNo uint64, chunk []byte) error {
	chunks := (v.dataSize + NodeSize - 1) / NodeSize
	if v.dataSize == 0 {
		chunks = 1
	}
	if chunkNo >= chunks {
		return fmt.Errorf("chunk %d out of range (%d chunks)", chunkNo, chunks)
	}
	// Check the chunk length is exactly what the blob size dictates.
	want := v.dataSize - chunkNo*NodeSize
	if want > NodeSize {
		want = NodeSize
	}
	if uint64(len(chunk)) != want {
		return fmt.Errorf("chunk %d has %d bytes, want %d: %w", chunkNo, len(chunk), want, ErrMismatch)
	}
	leaf := hashNode(0, chunkNo*NodeSize, v.dataSize, chunk)
	if len(v.widths) == 0 {
		// One chunk or less: the leaf digest is the root.
		if leaf != v.root {
			return fmt.Errorf("chunk %d: %w", chunkNo, ErrMismatch)
		}
		return nil
	}
	if leaf != v.levelDigest(0, chunkNo) {
		return fmt.Errorf("chunk %d leaf: %w", chunkNo, ErrMismatch)
	}
	return v.verifyPath(chunkNo)
}

// verifyPath checks the stored digests covering leaf index idx, from the
// leaf level up to the root.
func (v *Verifier) verifyPath(idx uint64) error {
	for lvl := 0; lvl < len(v.widths); lvl++ {
		nodeIdx := idx / DigestsPerNode
		off := nodeIdx * NodeSize
		levelLen := v.widths[lvl] * DigestLen
		d := hashNode(uint64(lvl+1), off, levelLen, v.levelNode(lvl, off))
		if lvl+1 == len(v.widths) {
			if d != v.root {
				return fmt.Errorf("level %d node %d: %w", lvl+1, nodeIdx, ErrMismatch)
			}
			return nil
		}
		if d != v.levelDigest(lvl+1, nodeIdx) {
			return fmt.Errorf("level %d node %d: %w", lvl+1, nodeIdx, ErrMismatch)
		}
		idx = nodeIdx
	}
	return nil
}

// VerifyData checks a whole payload against the expected root, ignoring
// the stored tree.
func (v *Verifier) VerifyData(data []byte) error {
	if uint64(len(data)) != v.dataSize {
		return fmt.Errorf("payload is %d bytes, want %d: %w", len(data), v.dataSize, ErrMismatch)
	}
	if root := Root(data); root != v.root {
		return fmt.Errorf("payload root: %w", ErrMismatch)
	}
	return nil
}

// VerifyTree checks that the stored tree is internally consistent and
// seals to the expected root. Used by the consistency checker.
func (v *Verifier) VerifyTree() error {
	if len(v.widths) == 0 {
		return nil
	}
	for lvl := 0; lvl < len(v.widths); lvl++ {
		levelLen := v.widths[lvl] * DigestLen
		nodes := (levelLen + NodeSize - 1) / NodeSize
		for n := uint64(0); n < nodes; n++ {
			off := n * NodeSize
			d := hashNode(uint64(lvl+1), off, levelLen, v.levelNode(lvl, off))
			if lvl+1 == len(v.widths) {
				if d != v.root {
					return fmt.Errorf("tree root seal: %w", ErrMismatch)
				}
				continue
			}
			if d != v.levelDigest(lvl+1, n) {
				return fmt.Errorf("tree level %d node %d: %w", lvl+1, n, ErrMismatch)
			}
		}
	}
	return nil
}

// Equal compares two digests.
func Equal(a, b Digest) bool { return bytes.Equal(a[:], b[:]) }
