package chunked

import (
	"fmt"
	"hash/crc32"
	"io"
)

// Writer streams payload bytes into a chunked archive. Frames are emitted
// to the destination as chunks fill; Close appends the index and footer.
type Writer struct {
	dst       io.Writer
	alg       Algorithm
	chunkSize uint64
	comp      compressor

	pending []byte
	entries []Entry

	uncompressed uint64
	written      uint64
	closed       bool
}

// NewWriter creates an archive writer emitting to dst. level is the
// compressor-specific effort (zstd levels; ignored for lz4); 0 picks the
// default. chunkSize 0 picks DefaultChunkSize.
func NewWriter(dst io.Writer, alg Algorithm, level int, chunkSize uint64) (*Writer, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	comp, err := newCompressor(alg, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		dst:       dst,
		alg:       alg,
		chunkSize: chunkSize,
		comp:      comp,
		pending:   make([]byte, 0, chunkSize),
	}, nil
}

// Write feeds payload bytes; it implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("archive writer already closed")
	}
	n := len(p)
	for len(p) > 0 {
		take := int(w.chunkSize) - len(w.pending)
		if take > len(p) {
			take = len(p)
		}
		w.pending = append(w.pending, p[:take]...)
		p = p[take:]
		if uint64(len(w.pending)) == w.chunkSize {
			if err := w.flushChunk(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

func (w *Writer) flushChunk() error {
	chunk := w.pending
	frame, err := w.comp.compressChunk(chunk)
	if err != nil {
		return err
	}
	if frame == nil {
		frame = chunk
	}
	w.entries = append(w.entries, Entry{
		UncompressedOffset: w.uncompressed,
		CompressedOffset:   w.written,
		CompressedLength:   uint64(len(frame)),
	})
	if _, err := w.dst.Write(frame); err != nil {
		return fmt.Errorf("writing archive frame: %w", err)
	}
	w.uncompressed += uint64(len(chunk))
	w.written += uint64(len(frame))
	w.pending = w.pending[:0]
	return nil
}

// Close flushes the final partial chunk and appends the index and footer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if len(w.pending) > 0 {
		if err := w.flushChunk(); err != nil {
			return err
		}
	}
	w.closed = true
	raw := serializeIndex(w.entries)
	indexOffset := w.written
	if _, err := w.dst.Write(raw); err != nil {
		return fmt.Errorf("writing archive index: %w", err)
	}
	w.written += uint64(len(raw))
	footer := serializeFooter(w.alg, w.chunkSize, w.uncompressed, indexOffset, crc32.Checksum(raw, crcTable))
	if _, err := w.dst.Write(footer); err != nil {
		return fmt.Errorf("writing archive footer: %w", err)
	}
	w.written += footerSize
	return nil
}

// Size returns the archive bytes emitted so far, index and footer included
// once closed.
func (w *Writer) Size() uint64 { return w.written }

// UncompressedSize returns the payload bytes consumed so far.
func (w *Writer) UncompressedSize() uint64 { return w.uncompressed }
