package journal

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-blobstore/backend"
	"github.com/diskfs/go-blobstore/backend/mock"
	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

const testJournalStart = 2
const testJournalBlocks = 20

func newTestCache(t *testing.T, fsBlocks uint64) (*bcache.Cache, *mock.Device) {
	t.Helper()
	dev := mock.New(mock.Options{
		DeviceBlockSize: 512,
		BlockCount:      fsBlocks * (layout.FSBlockSize / 512),
		TrimSupport:     true,
	})
	bc, err := bcache.New(dev, 0)
	require.NoError(t, err)
	return bc, dev
}

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, layout.FSBlockSize)
}

func TestFormatAndReplayEmpty(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))

	res, err := Replay(bc, testJournalStart, testJournalBlocks, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Entries)
	assert.Equal(t, uint64(1), res.NextSequence)
	assert.Equal(t, uint64(0), res.Head)
}

func TestCommitWritesBackAndReclaims(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))

	j, err := New(bc, Options{StartBlock: testJournalStart, Blocks: testJournalBlocks, NextSequence: 1})
	require.NoError(t, err)

	released := false
	err = j.SubmitAndWait(&Transaction{
		Writes:   []bcache.BlockWrite{{Block: 40, Data: block(0xaa)}},
		Releases: []func(){func() { released = true }},
	})
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, j.Close())

	got := make([]byte, layout.FSBlockSize)
	require.NoError(t, bc.ReadBlock(40, got))
	assert.Equal(t, block(0xaa), got)

	// the ring was reclaimed: a fresh replay finds nothing to do
	res, err := Replay(bc, testJournalStart, testJournalBlocks, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Entries)
	assert.Equal(t, uint64(2), res.NextSequence)
}

// writeRaw writes an entry directly into the ring, bypassing the runtime,
// to model a crash after commit but before writeback.
func writeRaw(t *testing.T, bc *bcache.Cache, pos uint64, seq uint64, target uint64, fill byte, corruptCommit bool) uint64 {
	t.Helper()
	payload := [][]byte{block(fill)}
	hdr := entryHeader{Sequence: seq, Targets: []uint64{target}}
	headerBlock := hdr.toBytes(payload)
	_, sum, err := parseEntryHeader(headerBlock)
	require.NoError(t, err)
	commit := commitBlock(seq, sum)
	if corruptCommit {
		commit[commitOffChecksum] ^= 1
	}
	entryStart := uint64(testJournalStart + InfoBlocks)
	capacity := uint64(testJournalBlocks - InfoBlocks)
	writes := []bcache.BlockWrite{
		{Block: entryStart + pos%capacity, Data: headerBlock},
		{Block: entryStart + (pos+1)%capacity, Data: payload[0]},
		{Block: entryStart + (pos+2)%capacity, Data: commit},
	}
	require.NoError(t, bc.WriteBlocks(writes))
	return pos + 3
}

func TestReplayAppliesCommittedEntries(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))

	pos := writeRaw(t, bc, 0, 1, 40, 0x11, false)
	writeRaw(t, bc, pos, 2, 41, 0x22, false)

	res, err := Replay(bc, testJournalStart, testJournalBlocks, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, uint64(3), res.NextSequence)

	got := make([]byte, layout.FSBlockSize)
	require.NoError(t, bc.ReadBlock(40, got))
	assert.Equal(t, block(0x11), got)
	require.NoError(t, bc.ReadBlock(41, got))
	assert.Equal(t, block(0x22), got)
}

func TestReplayStopsAtTornEntry(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))

	pos := writeRaw(t, bc, 0, 1, 40, 0x11, false)
	// second entry committed with a torn commit marker: must not apply
	writeRaw(t, bc, pos, 2, 41, 0x22, true)

	res, err := Replay(bc, testJournalStart, testJournalBlocks, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)

	got := make([]byte, layout.FSBlockSize)
	require.NoError(t, bc.ReadBlock(41, got))
	assert.Equal(t, block(0x00), got, "torn entry must not reach its target")
}

func TestReplayStopsAtOutOfSequenceEntry(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))

	// stale entry from a previous ring generation
	writeRaw(t, bc, 0, 9, 40, 0x33, false)

	res, err := Replay(bc, testJournalStart, testJournalBlocks, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Entries)
}

func TestCallbackOrdering(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))
	j, err := New(bc, Options{StartBlock: testJournalStart, Blocks: testJournalBlocks, NextSequence: 1})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 8; i++ {
		i := i
		err := j.Submit(&Transaction{
			Writes: []bcache.BlockWrite{{Block: uint64(40 + i), Data: block(byte(i))}},
			OnComplete: func(error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
		require.NoError(t, err)
	}
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 8)
	for i, got := range order {
		assert.Equal(t, i, got, "callbacks must fire in submission order")
	}
}

func TestTransactionTooLarge(t *testing.T) {
	bc, _ := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))
	j, err := New(bc, Options{StartBlock: testJournalStart, Blocks: testJournalBlocks, NextSequence: 1})
	require.NoError(t, err)
	defer j.Close()

	writes := make([]bcache.BlockWrite, testJournalBlocks)
	for i := range writes {
		writes[i] = bcache.BlockWrite{Block: uint64(40 + i), Data: block(1)}
	}
	err = j.SubmitAndWait(&Transaction{Writes: writes})
	assert.Error(t, err)
}

func TestFailStop(t *testing.T) {
	bc, dev := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))
	j, err := New(bc, Options{StartBlock: testJournalStart, Blocks: testJournalBlocks, NextSequence: 1})
	require.NoError(t, err)

	dev.SetHook(func(op backend.OpKind, _, _ int64) error {
		if op == backend.OpWrite {
			return fmt.Errorf("injected failure")
		}
		return nil
	})
	err = j.SubmitAndWait(&Transaction{Writes: []bcache.BlockWrite{{Block: 40, Data: block(1)}}})
	require.Error(t, err)
	assert.True(t, j.Failed())

	// everything after the failure errors out immediately
	err = j.Submit(&Transaction{Writes: []bcache.BlockWrite{{Block: 41, Data: block(2)}}})
	assert.ErrorIs(t, err, ErrFailed)
}

func TestTrimIssuedAfterCommit(t *testing.T) {
	bc, dev := newTestCache(t, 64)
	require.NoError(t, FormatRegion(bc, testJournalStart, testJournalBlocks))
	j, err := New(bc, Options{StartBlock: testJournalStart, Blocks: testJournalBlocks, NextSequence: 1})
	require.NoError(t, err)

	err = j.SubmitAndWait(&Transaction{
		Writes: []bcache.BlockWrite{{Block: 40, Data: block(1)}},
		Trims:  []TrimRange{{Start: 50, Count: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	trims := dev.Trims()
	require.Len(t, trims, 1)
	assert.Equal(t, int64(50*layout.FSBlockSize), trims[0][0])
	assert.Equal(t, int64(2*layout.FSBlockSize), trims[0][1])
}
