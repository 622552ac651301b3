package journal

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// ReplayResult reports what replay found and where the ring resumes.
type ReplayResult struct {
	// NextSequence and Head seed Options for the journal runtime.
	NextSequence uint64
	Head         uint64
	// Entries is how many committed entries were applied.
	Entries int
}

// Replay walks the journal forward from the head anchor, applying every
// entry whose checksums verify and whose sequence number is the expected
// next value, and stops at the first invalid or out-of-sequence entry.
// It then writes fresh anchors marking the ring empty.
func Replay(bc *bcache.Cache, startBlock, blocks uint64, log *logrus.Entry) (*ReplayResult, error) {
	if blocks < layout.MinJournalBlocks {
		return nil, fmt.Errorf("journal of %d blocks is below the minimum %d", blocks, layout.MinJournalBlocks)
	}
	capacity := blocks - InfoBlocks
	entryStart := startBlock + InfoBlocks

	anchor, err := readAnchors(bc, startBlock)
	if err != nil {
		return nil, err
	}
	if anchor.Head >= capacity {
		return nil, fmt.Errorf("journal anchor head %d outside ring of %d blocks", anchor.Head, capacity)
	}

	pos := anchor.Head
	expected := anchor.Sequence
	var writes []bcache.BlockWrite
	entries := 0

	buf := make([]byte, layout.FSBlockSize)
	for {
		if err := bc.ReadBlock(entryStart+pos%capacity, buf); err != nil {
			return nil, fmt.Errorf("reading journal ring: %w", err)
		}
		hdr, sum, perr := parseEntryHeader(buf)
		if perr != nil || hdr.Sequence != expected {
			break
		}
		count := uint64(len(hdr.Targets))
		if count+2 > capacity {
			break
		}
		headerBlock := make([]byte, layout.FSBlockSize)
		copy(headerBlock, buf)
		payload := make([][]byte, count)
		valid := true
		for i := uint64(0); i < count; i++ {
			p := make([]byte, layout.FSBlockSize)
			if err := bc.ReadBlock(entryStart+(pos+1+i)%capacity, p); err != nil {
				return nil, fmt.Errorf("reading journal payload: %w", err)
			}
			payload[i] = p
		}
		if !verifyEntry(headerBlock, payload, sum) {
			valid = false
		}
		if valid {
			commit := make([]byte, layout.FSBlockSize)
			if err := bc.ReadBlock(entryStart+(pos+1+count)%capacity, commit); err != nil {
				return nil, fmt.Errorf("reading journal commit marker: %w", err)
			}
			if !verifyCommit(commit, hdr.Sequence, sum) {
				valid = false
			}
		}
		if !valid {
			break
		}
		for i := range hdr.Targets {
			writes = append(writes, bcache.BlockWrite{Block: hdr.Targets[i], Data: payload[i]})
		}
		entries++
		pos = (pos + count + 2) % capacity
		expected++
	}

	if entries > 0 {
		if log != nil {
			log.WithField("entries", entries).Info("replaying journal")
		}
		if err := bc.WriteBlocks(writes); err != nil {
			return nil, fmt.Errorf("applying journal entries: %w", err)
		}
		if err := bc.Flush(); err != nil {
			return nil, fmt.Errorf("flushing journal replay: %w", err)
		}
		bc.Invalidate()
	}

	// Reset the anchors: the ring is now empty at pos/expected.
	anchorBlock := info{Sequence: expected, Head: pos}.toBytes()
	if err := bc.WriteBlocks([]bcache.BlockWrite{
		{Block: startBlock, Data: anchorBlock},
		{Block: startBlock + 1, Data: anchorBlock},
	}); err != nil {
		return nil, fmt.Errorf("writing journal anchors: %w", err)
	}
	if err := bc.Flush(); err != nil {
		return nil, fmt.Errorf("flushing journal anchors: %w", err)
	}
	return &ReplayResult{NextSequence: expected, Head: pos, Entries: entries}, nil
}

// readAnchors picks the valid anchor with the highest sequence number.
func readAnchors(bc *bcache.Cache, startBlock uint64) (info, error) {
	var best info
	var found bool
	buf := make([]byte, layout.FSBlockSize)
	for i := uint64(0); i < InfoBlocks; i++ {
		if err := bc.ReadBlock(startBlock+i, buf); err != nil {
			return info{}, fmt.Errorf("reading journal anchor %d: %w", i, err)
		}
		in, err := infoFromBytes(buf)
		if err != nil {
			continue
		}
		if !found || in.Sequence > best.Sequence {
			best = in
			found = true
		}
	}
	if !found {
		return info{}, fmt.Errorf("no valid journal anchor")
	}
	return best, nil
}

// FormatRegion writes an empty but valid journal ring with matched
// anchors; used by the formatter.
func FormatRegion(bc *bcache.Cache, startBlock, blocks uint64) error {
	if blocks < layout.MinJournalBlocks {
		return fmt.Errorf("journal of %d blocks is below the minimum %d", blocks, layout.MinJournalBlocks)
	}
	anchorBlock := info{Sequence: 1, Head: 0}.toBytes()
	writes := []bcache.BlockWrite{
		{Block: startBlock, Data: anchorBlock},
		{Block: startBlock + 1, Data: anchorBlock},
	}
	zero := make([]byte, layout.FSBlockSize)
	for i := uint64(InfoBlocks); i < blocks; i++ {
		writes = append(writes, bcache.BlockWrite{Block: startBlock + i, Data: zero})
	}
	return bc.WriteBlocks(writes)
}
