package blobstore

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/diskfs/go-blobstore/blobstore/allocator"
	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/journal"
	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// BlobWriter streams one blob in. The payload is fed in parallel to the
// Merkle builder and the compressor; compressed output is reserved and
// written to disk outside the journal as it accumulates, and a single
// journal transaction commits the metadata once the declared size has
// been consumed and the digest verified.
//
// Errors are fused: after any failure every subsequent write returns the
// same error. The handle can be closed and a fresh create attempted.
type BlobWriter struct {
	fs   *FileSystem
	blob *Blob
	node *allocator.ReservedNode

	declared    uint64
	declaredSet bool
	written     uint64
	committed   bool
	closed      bool
	err         error

	// offline means the client supplies a pre-compressed archive.
	offline bool

	payload  []byte
	mb       *merkle.Builder
	compress bool
	streamer *extentStreamer

	pipeW *io.PipeWriter
	eg    *errgroup.Group
}

// createBlob starts a write for digest. The caller has already checked
// for duplicates; a racing create loses on cache insertion.
func (fs *FileSystem) createBlob(digest merkle.Digest, offline bool) (*BlobWriter, error) {
	if err := fs.writableCheck(); err != nil {
		return nil, err
	}
	if offline && !fs.opts.OfflineCompression {
		return nil, fmt.Errorf("%w: offline compression is disabled on this mount", ErrUnsupported)
	}
	node, err := fs.alloc.ReserveNode()
	if err != nil {
		return nil, err
	}
	b := &Blob{
		fs:        fs,
		digest:    digest,
		state:     StateEmpty,
		refs:      1,
		nodeIndex: node.Index(),
	}
	if err := fs.cache.insert(b); err != nil {
		node.Release()
		return nil, err
	}
	return &BlobWriter{fs: fs, blob: b, node: node, offline: offline}, nil
}

// Digest returns the digest this writer must produce.
func (w *BlobWriter) Digest() merkle.Digest { return w.blob.digest }

// Truncate declares the payload size. It must be called exactly once,
// before any write. Declaring zero commits the empty blob immediately.
func (w *BlobWriter) Truncate(size uint64) error {
	if w.err != nil {
		return w.err
	}
	if w.closed || w.committed {
		return fmt.Errorf("%w: writer is closed", ErrBadState)
	}
	if w.declaredSet {
		return fmt.Errorf("%w: size already declared", ErrBadState)
	}
	w.declared = size
	w.declaredSet = true
	w.blob.mu.Lock()
	w.blob.state = StateWriting
	w.blob.mu.Unlock()

	w.mb = merkle.NewBuilder()
	w.payload = make([]byte, 0, size)
	w.streamer = &extentStreamer{fs: w.fs}

	// Compression is attempted for payloads above one block when the
	// mount asks for it. Offline input is already an archive and bypasses
	// the compressor.
	w.compress = !w.offline &&
		w.fs.opts.Compression == CompressionChunked &&
		size > layout.FSBlockSize
	if w.compress {
		cw, err := chunked.NewWriter(w.streamer, w.fs.opts.ChunkedAlgorithm, w.fs.opts.CompressionLevel, 0)
		if err != nil {
			return w.fuse(err)
		}
		pr, pw := io.Pipe()
		w.pipeW = pw
		w.eg = &errgroup.Group{}
		w.eg.Go(func() error {
			if _, err := io.Copy(cw, pr); err != nil {
				// unblock the producer side
				_ = pr.CloseWithError(err)
				return err
			}
			return cw.Close()
		})
	}

	if size == 0 {
		return w.commit()
	}
	return nil
}

// Write appends payload bytes; it implements io.Writer. When the declared
// size has been consumed the blob is verified and committed, and becomes
// visible to lookup.
func (w *BlobWriter) Write(p []byte) (int, error) {
	return w.writeAt(p, w.written)
}

// WriteAt accepts only writes at the current cursor; blobs are
// append-only.
func (w *BlobWriter) WriteAt(p []byte, off int64) (int, error) {
	return w.writeAt(p, uint64(off))
}

func (w *BlobWriter) writeAt(p []byte, off uint64) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed || w.committed {
		return 0, fmt.Errorf("%w: writer is closed", ErrBadState)
	}
	if !w.declaredSet {
		return 0, fmt.Errorf("%w: size not declared", ErrBadState)
	}
	if off != w.written {
		return 0, fmt.Errorf("%w: write at offset %d, cursor is at %d", ErrUnsupported, off, w.written)
	}
	if w.written+uint64(len(p)) > w.declared {
		return 0, fmt.Errorf("%w: write past the declared size %d", ErrInvalidArgument, w.declared)
	}
	if !w.offline {
		_, _ = w.mb.Write(p)
	}
	w.payload = append(w.payload, p...)
	if w.pipeW != nil {
		if _, err := w.pipeW.Write(p); err != nil {
			return 0, w.fuse(err)
		}
	}
	w.written += uint64(len(p))
	if w.written == w.declared {
		if err := w.commit(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// fuse latches the first error and moves the blob to Errored.
func (w *BlobWriter) fuse(err error) error {
	if w.err == nil {
		w.err = err
		w.blob.mu.Lock()
		w.blob.state = StateErrored
		w.blob.err = err
		w.blob.mu.Unlock()
	}
	return w.err
}

// commit finalizes the pipeline, chooses the stored form, lays the image
// out on disk and journals the metadata.
func (w *BlobWriter) commit() error {
	if err := w.finishPipeline(); err != nil {
		return w.fuse(err)
	}
	if err := w.commitLocked(); err != nil {
		return w.fuse(err)
	}
	return nil
}

func (w *BlobWriter) finishPipeline() error {
	if w.pipeW != nil {
		_ = w.pipeW.Close()
		if err := w.eg.Wait(); err != nil {
			return err
		}
		w.pipeW = nil
	}
	return nil
}

func (w *BlobWriter) commitLocked() error {
	fs := w.fs
	padded := fs.sb.BlobLayout == layout.PaddedMerkleTreeAtStart
	if padded {
		return fmt.Errorf("%w: the %s layout is read-only", ErrUnsupported, fs.sb.BlobLayout)
	}

	uncompressedSize := w.declared
	var algorithm layout.CompressionAlgorithm
	var root merkle.Digest
	var tree []byte

	if w.offline {
		idx, data, err := w.verifyOfflineArchive()
		if err != nil {
			return err
		}
		uncompressedSize = idx.UncompressedSize
		switch idx.Algorithm {
		case chunked.Zstd:
			algorithm = layout.CompressionChunkedZstd
		case chunked.LZ4:
			algorithm = layout.CompressionChunkedLZ4
		}
		root, tree = merkle.BuildTree(data, false)
	} else {
		var err error
		root, err = w.mb.Finish()
		if err != nil {
			return err
		}
		tree, err = w.mb.TreeBytes(false)
		if err != nil {
			return err
		}
	}
	if root != w.blob.digest {
		return fmt.Errorf("%w: payload digest does not match the blob's name", ErrIntegrity)
	}

	// Choose between the compressed and the raw form. The compressed form
	// wins only when it saves at least one whole block.
	var abandoned []*allocator.ReservedExtent
	storeCompressed := false
	if w.offline {
		storeCompressed = true
	} else if w.compress {
		compressedBlocks := storedBlocks(w.streamer.size() + uint64(len(tree)))
		rawBlocks := storedBlocks(uncompressedSize + uint64(len(tree)))
		storeCompressed = compressedBlocks < rawBlocks
		if storeCompressed {
			algorithm = fsAlgorithm(fs.opts.ChunkedAlgorithm)
		}
	}
	if !storeCompressed && w.compress {
		// Abandon the streamed compressed blocks: they were never marked
		// allocated, so the commit transaction only needs to trim them
		// and hold their reservations until it completes.
		abandoned = w.streamer.reset()
		w.compress = false
	}
	if !storeCompressed && !w.offline {
		if _, err := w.streamer.Write(w.payload); err != nil {
			return err
		}
		algorithm = layout.CompressionNone
	}

	// The Merkle tree goes right after the payload image; if it fits in
	// the slack of the last payload block no extra block is used.
	if _, err := w.streamer.Write(tree); err != nil {
		return err
	}
	storedSize := w.streamer.size()
	if err := w.streamer.finish(); err != nil {
		return err
	}
	// Data blocks must be durable before the metadata that references
	// them is committed.
	if err := fs.bc.Flush(); err != nil {
		return fmt.Errorf("%w: flushing blob data: %v", ErrIO, err)
	}

	extents := make([]layout.Extent, 0, len(w.streamer.reserved))
	for _, re := range w.streamer.reserved {
		e, err := fs.alloc.MarkAllocated(re)
		if err != nil {
			return err
		}
		extents = append(extents, e)
	}

	nodes, ino, err := w.buildNodes(extents, uncompressedSize, storedSize, algorithm)
	if err != nil {
		return err
	}

	var trims []journal.TrimRange
	var releases []func()
	for _, re := range abandoned {
		e := re.Extent()
		trims = append(trims, journal.TrimRange{Start: e.Start, Count: uint64(e.Length)})
		releases = append(releases, re.Release)
	}

	txn := &journal.Transaction{
		Writes:   fs.metadataWrites(nodes, extents),
		Trims:    trims,
		Releases: releases,
	}
	if err := fs.commitTxn(txn); err != nil {
		return err
	}

	w.blob.mu.Lock()
	w.blob.state = StateReadable
	w.blob.ino = ino
	w.blob.extents = extents
	w.blob.algorithm = algorithm
	w.blob.mu.Unlock()
	fs.cache.setNode(w.blob.digest, w.blob.nodeIndex)
	fs.metrics.blobsWritten.Inc()
	w.committed = true
	return nil
}

// verifyOfflineArchive validates a client-supplied pre-compressed archive
// and returns its index and decompressed payload.
func (w *BlobWriter) verifyOfflineArchive() (*chunked.Index, []byte, error) {
	idx, err := chunked.ParseIndex(bytesReaderAt(w.payload), int64(len(w.payload)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: offline archive: %v", ErrInvalidArgument, err)
	}
	data := make([]byte, 0, idx.UncompressedSize)
	for i := range idx.Entries {
		e := idx.Entries[i]
		frame := w.payload[e.CompressedOffset : e.CompressedOffset+e.CompressedLength]
		chunk, err := w.fs.decomp.Decompress(idx.Algorithm, frame, idx.UncompressedChunkLen(i))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: offline archive chunk %d: %v", ErrIntegrity, i, err)
		}
		data = append(data, chunk...)
	}
	// Stream the archive itself to disk; it was not fed through the
	// compressor.
	if _, err := w.streamer.Write(w.payload); err != nil {
		return nil, nil, err
	}
	return idx, data, nil
}

// buildNodes reserves and fills the container chain, marks the inode, and
// returns every node index touched.
func (w *BlobWriter) buildNodes(extents []layout.Extent, uncompressedSize, storedSize uint64, algorithm layout.CompressionAlgorithm) ([]uint32, *layout.Inode, error) {
	fs := w.fs
	ino := &layout.Inode{
		Header: layout.NodeHeader{
			Flags:    layout.CompressionFlags(algorithm),
			NextNode: layout.InvalidNodeIndex,
		},
		Digest:           w.blob.digest,
		UncompressedSize: uncompressedSize,
		StoredSize:       storedSize,
		BlockCount:       uint32(extentBlocks(extents)),
		ExtentCount:      uint32(len(extents)),
	}
	inline := len(extents)
	if inline > layout.InlineExtents {
		inline = layout.InlineExtents
	}
	copy(ino.Extents[:], extents[:inline])

	rest := extents[inline:]
	var reservedNodes []*allocator.ReservedNode
	var containers []*layout.ExtentContainer
	for len(rest) > 0 {
		rn, err := fs.alloc.ReserveNode()
		if err != nil {
			for _, r := range reservedNodes {
				r.Release()
			}
			return nil, nil, err
		}
		reservedNodes = append(reservedNodes, rn)
		take := len(rest)
		if take > layout.ContainerExtents {
			take = layout.ContainerExtents
		}
		c := &layout.ExtentContainer{
			Header:       layout.NodeHeader{NextNode: layout.InvalidNodeIndex},
			PreviousNode: w.node.Index(),
			ExtentCount:  uint32(take),
		}
		copy(c.Extents[:], rest[:take])
		containers = append(containers, c)
		rest = rest[take:]
	}
	// chain: inode -> containers in order
	if len(reservedNodes) > 0 {
		ino.Header.NextNode = reservedNodes[0].Index()
		for i := range containers {
			if i+1 < len(reservedNodes) {
				containers[i].Header.NextNode = reservedNodes[i+1].Index()
			}
		}
	}
	nodes := []uint32{w.node.Index()}
	for i, rn := range reservedNodes {
		nodes = append(nodes, rn.Index())
		if err := fs.alloc.MarkContainerAllocated(rn, containers[i]); err != nil {
			return nil, nil, err
		}
	}
	if err := fs.alloc.MarkInodeAllocated(w.node, ino); err != nil {
		return nil, nil, err
	}
	return nodes, ino, nil
}

// Close releases the handle. A committed blob stays readable; an
// unfinished write is aborted and its reservations returned. Close
// reports the fused error, if any.
func (w *BlobWriter) Close() error {
	if w.closed {
		return fmt.Errorf("%w: writer already closed", ErrBadState)
	}
	w.closed = true
	_ = w.finishPipeline()
	err := w.err
	if !w.committed {
		// abort: release everything and drop the cache entry
		if w.streamer != nil {
			for _, re := range w.streamer.reserved {
				re.Release()
			}
		}
		w.node.Release()
		w.blob.mu.Lock()
		if w.blob.state != StateErrored {
			w.blob.state = StateErrored
		}
		w.blob.mu.Unlock()
		w.fs.cache.drop(w.blob.digest)
		if err == nil && w.declaredSet && w.written < w.declared {
			err = fmt.Errorf("%w: blob closed before the declared size was written", ErrBadState)
		}
	}
	w.blob.mu.Lock()
	if w.blob.refs > 0 {
		w.blob.refs--
	}
	last := w.blob.refs == 0 && w.committed
	w.blob.mu.Unlock()
	if last {
		w.fs.cache.releaseLast(w.blob)
	}
	return err
}

// storedBlocks returns how many blocks an image of size bytes occupies.
func storedBlocks(size uint64) uint64 {
	return (size + layout.FSBlockSize - 1) / layout.FSBlockSize
}

func fsAlgorithm(a chunked.Algorithm) layout.CompressionAlgorithm {
	if a == chunked.LZ4 {
		return layout.CompressionChunkedLZ4
	}
	return layout.CompressionChunkedZstd
}

// bytesReaderAt adapts a byte slice to io.ReaderAt.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errors.New("offset out of range")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// extentStreamer packs a byte stream into whole filesystem blocks,
// reserving data blocks and writing them to the device directly (outside
// the journal) as they fill.
type extentStreamer struct {
	fs       *FileSystem
	reserved []*allocator.ReservedExtent
	// flat is the absolute block number for each image block reserved so
	// far.
	flat    []uint64
	pending []byte
	flushed uint64 // whole blocks written
	total   uint64 // bytes accepted
}

// streamBatchBlocks is how many full blocks accumulate before a device
// write is issued.
const streamBatchBlocks = 32

func (s *extentStreamer) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	s.total += uint64(len(p))
	if len(s.pending) >= streamBatchBlocks*layout.FSBlockSize {
		full := uint64(len(s.pending)) / layout.FSBlockSize
		if err := s.flushBlocks(full, false); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// size returns the bytes accepted so far.
func (s *extentStreamer) size() uint64 { return s.total }

// finish pads the tail to a whole block and writes everything out.
func (s *extentStreamer) finish() error {
	if len(s.pending) == 0 {
		return nil
	}
	full := (uint64(len(s.pending)) + layout.FSBlockSize - 1) / layout.FSBlockSize
	return s.flushBlocks(full, true)
}

func (s *extentStreamer) flushBlocks(blocks uint64, pad bool) error {
	if pad {
		if slack := int(blocks*layout.FSBlockSize) - len(s.pending); slack > 0 {
			s.pending = append(s.pending, make([]byte, slack)...)
		}
	}
	// make sure enough blocks are reserved
	need := s.flushed + blocks
	if uint64(len(s.flat)) < need {
		res, err := s.fs.alloc.ReserveBlocks(need - uint64(len(s.flat)))
		if err != nil {
			return err
		}
		s.reserved = append(s.reserved, res...)
		for _, re := range res {
			e := re.Extent()
			for i := uint64(0); i < uint64(e.Length); i++ {
				s.flat = append(s.flat, e.Start+i)
			}
		}
	}
	writes := make([]bcache.BlockWrite, 0, blocks)
	for i := uint64(0); i < blocks; i++ {
		writes = append(writes, bcache.BlockWrite{
			Block: s.flat[s.flushed+i],
			Data:  s.pending[i*layout.FSBlockSize : (i+1)*layout.FSBlockSize],
		})
	}
	if err := s.fs.bc.WriteBlocks(writes); err != nil {
		return fmt.Errorf("%w: streaming blob data: %v", ErrIO, err)
	}
	s.flushed += blocks
	s.pending = s.pending[blocks*layout.FSBlockSize:]
	return nil
}

// reset abandons everything streamed so far and returns the reservations
// for the caller to trim and release through the commit transaction.
func (s *extentStreamer) reset() []*allocator.ReservedExtent {
	old := s.reserved
	s.reserved = nil
	s.flat = nil
	s.pending = nil
	s.flushed = 0
	s.total = 0
	return old
}
