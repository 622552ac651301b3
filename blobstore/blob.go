package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/journal"
	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// BlobState is the lifecycle state of a blob.
type BlobState int

const (
	// StateEmpty is a created blob before its size is declared.
	StateEmpty BlobState = iota
	// StateWriting is a blob receiving payload bytes.
	StateWriting
	// StateReadable is a committed, verified blob.
	StateReadable
	// StateMarkedForDeletion is an unlinked blob still held open; it is
	// hidden from lookup and purged when the last reference drops.
	StateMarkedForDeletion
	// StateErrored is terminal: no reads ever succeed.
	StateErrored
)

func (s BlobState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWriting:
		return "writing"
	case StateReadable:
		return "readable"
	case StateMarkedForDeletion:
		return "marked-for-deletion"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// smallBlobThreshold is the size at or below which a blob is fully loaded
// at open time and served without the pager.
const smallBlobThreshold = 4 * layout.FSBlockSize

// Blob is a live blob. Handles returned by Lookup and the writer's commit
// hold references; the blob's in-memory state is torn down per cache
// policy when the last one is closed.
type Blob struct {
	fs     *FileSystem
	digest merkle.Digest

	mu    sync.Mutex
	state BlobState
	refs  int
	// fused error: once reads fail with it, they keep failing with it
	err error

	nodeIndex uint32
	ino       *layout.Inode
	extents   []layout.Extent
	algorithm layout.CompressionAlgorithm

	loaded   bool
	paged    bool
	closed   bool
	geometry blobGeometry
	verifier *merkle.Verifier
	index    *chunked.Index
	data     []byte            // small blobs, fully resident
	pages    map[uint64][]byte // paged blobs, per filesystem block
}

// blobGeometry locates the payload image and the Merkle tree within a
// blob's stored bytes.
type blobGeometry struct {
	dataOff, dataLen uint64
	treeOff, treeLen uint64
}

func geometryOf(format layout.BlobLayoutFormat, uncompressedSize, storedSize uint64) (blobGeometry, error) {
	switch format {
	case layout.CompactMerkleTreeAtEnd:
		treeLen := merkle.TreeSize(uncompressedSize, false)
		if storedSize < treeLen {
			return blobGeometry{}, fmt.Errorf("%w: stored size %d cannot hold a %d byte tree", ErrIntegrity, storedSize, treeLen)
		}
		return blobGeometry{dataOff: 0, dataLen: storedSize - treeLen, treeOff: storedSize - treeLen, treeLen: treeLen}, nil
	case layout.PaddedMerkleTreeAtStart:
		treeLen := merkle.TreeSize(uncompressedSize, true)
		if storedSize < treeLen {
			return blobGeometry{}, fmt.Errorf("%w: stored size %d cannot hold a %d byte tree", ErrIntegrity, storedSize, treeLen)
		}
		return blobGeometry{dataOff: treeLen, dataLen: storedSize - treeLen, treeOff: 0, treeLen: treeLen}, nil
	default:
		return blobGeometry{}, fmt.Errorf("%w: unknown blob layout %d", ErrIntegrity, format)
	}
}

// Digest returns the blob's name.
func (b *Blob) Digest() merkle.Digest { return b.digest }

// Size returns the uncompressed payload size.
func (b *Blob) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ino == nil {
		return 0
	}
	return b.ino.UncompressedSize
}

// BlobAttributes are the fixed attributes exposed at the filesystem
// boundary.
type BlobAttributes struct {
	Size           uint64
	AllocatedBytes uint64
	InodeIndex     uint32
	LinkCount      uint32
}

// Attributes returns the blob's attributes. Link count is fixed at 1.
func (b *Blob) Attributes() BlobAttributes {
	b.mu.Lock()
	defer b.mu.Unlock()
	var size, alloc uint64
	if b.ino != nil {
		size = b.ino.UncompressedSize
		alloc = uint64(b.ino.BlockCount) * layout.FSBlockSize
	}
	return BlobAttributes{
		Size:           size,
		AllocatedBytes: alloc,
		InodeIndex:     b.nodeIndex,
		LinkCount:      1,
	}
}

// State returns the lifecycle state.
func (b *Blob) State() BlobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close drops the caller's reference.
func (b *Blob) Close() error {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: blob already closed", ErrBadState)
	}
	b.refs--
	last := b.refs == 0
	b.closed = last
	b.mu.Unlock()
	if last {
		b.fs.cache.releaseLast(b)
	}
	return nil
}

// loadMeta reads the inode and extent chain; idempotent.
func (b *Blob) loadMeta() error {
	if b.ino != nil {
		return nil
	}
	ino, err := b.fs.alloc.GetInode(b.nodeIndex)
	if err != nil {
		return err
	}
	extents, err := walkExtents(b.fs.alloc, b.nodeIndex, ino)
	if err != nil {
		return err
	}
	alg, err := ino.Header.Compression()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	b.ino = ino
	b.extents = extents
	b.algorithm = alg
	return nil
}

// loadReadState prepares the verifier and, for compressed blobs, the
// chunk index. Small blobs are decompressed, verified and kept resident;
// large blobs get a page map serviced by the pager.
func (b *Blob) loadReadState() error {
	if b.loaded {
		return nil
	}
	if err := b.loadMeta(); err != nil {
		return err
	}
	format := b.fs.sb.BlobLayout
	geo, err := geometryOf(format, b.ino.UncompressedSize, b.ino.StoredSize)
	if err != nil {
		return err
	}
	b.geometry = geo

	sr := &storedReader{bc: b.fs.bc, extents: b.extents, size: b.ino.StoredSize}
	tree := make([]byte, geo.treeLen)
	if geo.treeLen > 0 {
		if _, err := sr.ReadAt(tree, int64(geo.treeOff)); err != nil {
			return fmt.Errorf("%w: reading merkle tree: %v", ErrIO, err)
		}
	}
	verifier, err := merkle.NewVerifier(b.digest, tree, b.ino.UncompressedSize, format == layout.PaddedMerkleTreeAtStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	b.verifier = verifier

	if b.algorithm != layout.CompressionNone {
		dataRegion := io.NewSectionReader(sr, int64(geo.dataOff), int64(geo.dataLen))
		index, err := chunked.ParseIndex(dataRegion, int64(geo.dataLen))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if index.UncompressedSize != b.ino.UncompressedSize {
			return fmt.Errorf("%w: archive holds %d bytes, inode says %d", ErrIntegrity, index.UncompressedSize, b.ino.UncompressedSize)
		}
		b.index = index
	}

	if b.ino.UncompressedSize <= smallBlobThreshold {
		data, err := b.readAllVerified(sr)
		if err != nil {
			return err
		}
		b.data = data
		b.paged = false
	} else {
		b.pages = make(map[uint64][]byte)
		b.paged = true
	}
	b.loaded = true
	return nil
}

// readAllVerified loads and verifies the entire payload; used for small
// blobs and by the health check.
func (b *Blob) readAllVerified(sr *storedReader) ([]byte, error) {
	size := b.ino.UncompressedSize
	var data []byte
	if b.algorithm == layout.CompressionNone {
		data = make([]byte, size)
		if size > 0 {
			if _, err := sr.ReadAt(data, int64(b.geometry.dataOff)); err != nil {
				return nil, fmt.Errorf("%w: reading payload: %v", ErrIO, err)
			}
		}
	} else {
		data = make([]byte, 0, size)
		for i := range b.index.Entries {
			chunk, err := b.decompressChunk(sr, i)
			if err != nil {
				return nil, err
			}
			data = append(data, chunk...)
		}
	}
	if err := b.verifyBlocks(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

// decompressChunk reads and decompresses one compression chunk.
func (b *Blob) decompressChunk(sr *storedReader, i int) ([]byte, error) {
	e := b.index.Entries[i]
	frame := make([]byte, e.CompressedLength)
	if _, err := sr.ReadAt(frame, int64(b.geometry.dataOff+e.CompressedOffset)); err != nil {
		return nil, fmt.Errorf("%w: reading compressed chunk %d: %v", ErrIO, i, err)
	}
	out, err := b.fs.decomp.Decompress(b.index.Algorithm, frame, b.index.UncompressedChunkLen(i))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrIntegrity, i, err)
	}
	return out, nil
}

// verifyBlocks checks filesystem-block-sized chunks of payload data
// starting at byte offset off (block aligned).
func (b *Blob) verifyBlocks(data []byte, off uint64) error {
	size := b.ino.UncompressedSize
	for len(data) > 0 {
		chunkNo := off / layout.FSBlockSize
		want := size - off
		if want > layout.FSBlockSize {
			want = layout.FSBlockSize
		}
		if uint64(len(data)) < want {
			return fmt.Errorf("%w: short data at chunk %d", ErrIntegrity, chunkNo)
		}
		if err := b.verifier.VerifyChunk(chunkNo, data[:want]); err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		data = data[want:]
		off += want
		if off >= size {
			break
		}
	}
	return nil
}

// ReadAt reads payload bytes. It verifies every byte it returns against
// the blob's Merkle tree. Reads past the end are truncated; a read fully
// past the end returns io.EOF.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	switch b.state {
	case StateReadable, StateMarkedForDeletion:
	default:
		b.mu.Unlock()
		return 0, fmt.Errorf("%w: blob is %s", ErrBadState, b.state)
	}
	if err := b.loadReadState(); err != nil {
		b.mu.Unlock()
		b.readFailed(err)
		return 0, err
	}
	size := b.ino.UncompressedSize
	if off < 0 {
		b.mu.Unlock()
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if uint64(off) >= size {
		b.mu.Unlock()
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := uint64(len(p))
	if uint64(off)+n > size {
		n = size - uint64(off)
	}
	paged := b.paged
	b.mu.Unlock()

	if !paged {
		b.mu.Lock()
		copy(p[:n], b.data[off:uint64(off)+n])
		b.mu.Unlock()
	} else {
		first := uint64(off) / layout.FSBlockSize
		last := (uint64(off) + n - 1) / layout.FSBlockSize
		if err := b.fs.pager.fault(b, first, last-first+1); err != nil {
			b.readFailed(err)
			return 0, err
		}
		b.mu.Lock()
		for pg := first; pg <= last; pg++ {
			page := b.pages[pg]
			if page == nil {
				b.mu.Unlock()
				return 0, fmt.Errorf("%w: page %d missing after fault", ErrIO, pg)
			}
			pageStart := pg * layout.FSBlockSize
			from := uint64(0)
			if pageStart < uint64(off) {
				from = uint64(off) - pageStart
			}
			to := uint64(layout.FSBlockSize)
			if pageStart+to > uint64(off)+n {
				to = uint64(off) + n - pageStart
			}
			copy(p[pageStart+from-uint64(off):], page[from:to])
		}
		b.mu.Unlock()
	}
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// readFailed fuses integrity failures: the blob transitions to Errored,
// the corruption is reported, and the blob is scheduled for deletion.
func (b *Blob) readFailed(err error) {
	if !isIntegrity(err) {
		return
	}
	b.mu.Lock()
	if b.state == StateErrored {
		b.mu.Unlock()
		return
	}
	b.state = StateErrored
	b.err = err
	b.mu.Unlock()
	b.fs.cache.markErrored(b.digest)
	b.fs.notifyCorruption(b.digest, CorruptionMerkle)
}

func isIntegrity(err error) bool {
	return err != nil && (errors.Is(err, ErrIntegrity) || errors.Is(err, merkle.ErrMismatch))
}

// supplyPages is the fault handler run on a pager worker: it fetches the
// covering compressed chunks, decompresses, verifies each produced block
// and populates the page map. Bytes past the blob size in the final page
// are zero. Called with the page range block-aligned.
func (b *Blob) supplyPages(start, count uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if !b.loaded || !b.paged {
		return fmt.Errorf("%w: blob not set up for paging", ErrBadState)
	}
	size := b.ino.UncompressedSize
	sr := &storedReader{bc: b.fs.bc, extents: b.extents, size: b.ino.StoredSize}

	var supplied uint64
	if b.algorithm == layout.CompressionNone {
		for pg := start; pg < start+count; pg++ {
			if _, ok := b.pages[pg]; ok {
				continue
			}
			off := pg * layout.FSBlockSize
			if off >= size {
				break
			}
			want := size - off
			if want > layout.FSBlockSize {
				want = layout.FSBlockSize
			}
			chunk := make([]byte, want)
			if _, err := sr.ReadAt(chunk, int64(b.geometry.dataOff+off)); err != nil {
				return fmt.Errorf("%w: reading payload block %d: %v", ErrIO, pg, err)
			}
			if err := b.verifier.VerifyChunk(pg, chunk); err != nil {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			page := make([]byte, layout.FSBlockSize)
			copy(page, chunk)
			b.pages[pg] = page
			supplied++
		}
	} else {
		chunks := b.index.ChunksForRange(start*layout.FSBlockSize, count*layout.FSBlockSize)
		for _, ci := range chunks {
			uncompOff := b.index.Entries[ci].UncompressedOffset
			firstPage := uncompOff / layout.FSBlockSize
			chunkLen := b.index.UncompressedChunkLen(ci)
			lastPage := (uncompOff + chunkLen - 1) / layout.FSBlockSize
			have := true
			for pg := firstPage; pg <= lastPage; pg++ {
				if _, ok := b.pages[pg]; !ok {
					have = false
					break
				}
			}
			if have {
				continue
			}
			data, err := b.decompressChunk(sr, ci)
			if err != nil {
				return err
			}
			if err := b.verifyBlocks(data, uncompOff); err != nil {
				return err
			}
			for pg := firstPage; pg <= lastPage; pg++ {
				page := make([]byte, layout.FSBlockSize)
				from := (pg - firstPage) * layout.FSBlockSize
				to := from + layout.FSBlockSize
				if to > uint64(len(data)) {
					to = uint64(len(data))
				}
				copy(page, data[from:to])
				b.pages[pg] = page
				supplied++
			}
		}
	}
	b.fs.metrics.pageFaults.Inc()
	b.fs.metrics.pageFaultBytes.Add(float64(supplied * layout.FSBlockSize))
	return nil
}

// purgeBlob removes an unreferenced blob's on-disk footprint: frees its
// nodes and blocks in one transaction that carries the trims and holds
// the freed range reserved until the trim and flush complete.
func (fs *FileSystem) purgeBlob(b *Blob) {
	b.mu.Lock()
	nodeIndex := b.nodeIndex
	persisted := b.ino != nil
	b.mu.Unlock()
	if !persisted {
		return
	}
	if err := fs.writableCheck(); err != nil {
		fs.log.WithError(err).Warn("cannot purge blob")
		return
	}
	if err := fs.deallocateBlob(b.digest, nodeIndex); err != nil {
		fs.log.WithError(err).WithField("digest", hex.EncodeToString(b.digest[:])).Error("purging blob")
	}
}

// deallocateBlob frees the node chain and data blocks of a committed
// blob.
func (fs *FileSystem) deallocateBlob(digest merkle.Digest, nodeIndex uint32) error {
	ino, err := fs.alloc.GetInode(nodeIndex)
	if err != nil {
		return err
	}
	extents, err := walkExtents(fs.alloc, nodeIndex, ino)
	if err != nil {
		// free what we can reach; the checker reports the leak
		fs.log.WithError(err).Warn("freeing blob with a broken chain")
	}
	chain, _ := chainNodes(fs.alloc, nodeIndex, ino)

	var reservations []func()
	var trims []journal.TrimRange
	for _, e := range extents {
		re, err := fs.alloc.FreeBlocks(e)
		if err != nil {
			return err
		}
		reservations = append(reservations, re.Release)
		trims = append(trims, journal.TrimRange{Start: e.Start, Count: uint64(e.Length)})
	}
	if err := fs.alloc.FreeNode(nodeIndex); err != nil {
		return err
	}
	for _, n := range chain {
		if err := fs.alloc.FreeNode(n); err != nil {
			return err
		}
	}

	nodes := append([]uint32{nodeIndex}, chain...)
	txn := &journal.Transaction{
		Writes:   fs.metadataWrites(nodes, extents),
		Trims:    trims,
		Releases: reservations,
	}
	if err := fs.commitTxn(txn); err != nil {
		return err
	}
	fs.cache.dropNode(digest)
	fs.metrics.blobsDeleted.Inc()
	return nil
}

// storedReader reads a blob's stored image (payload plus tree) through
// its extent list.
type storedReader struct {
	bc      *bcache.Cache
	extents []layout.Extent
	size    uint64
}

// ReadAt implements io.ReaderAt over the stored image.
func (r *storedReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	want := len(p)
	done := 0
	block := make([]byte, layout.FSBlockSize)
	for done < want {
		pos := uint64(off) + uint64(done)
		if pos >= r.size {
			return done, io.EOF
		}
		imageBlock := pos / layout.FSBlockSize
		inBlock := pos % layout.FSBlockSize
		abs, err := r.absBlock(imageBlock)
		if err != nil {
			return done, err
		}
		if err := r.bc.ReadBlock(abs, block); err != nil {
			return done, err
		}
		n := copy(p[done:], block[inBlock:])
		if remaining := r.size - pos; uint64(n) > remaining {
			n = int(remaining)
		}
		done += n
	}
	return done, nil
}

// absBlock maps an image block index to its absolute device block.
func (r *storedReader) absBlock(imageBlock uint64) (uint64, error) {
	var covered uint64
	for _, e := range r.extents {
		if imageBlock < covered+uint64(e.Length) {
			return e.Start + (imageBlock - covered), nil
		}
		covered += uint64(e.Length)
	}
	return 0, fmt.Errorf("image block %d beyond the blob's %d blocks", imageBlock, covered)
}
