package journal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-blobstore/blobstore/bcache"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// ErrFailed is returned once the journal has hit an I/O error on its
// commit path; the store is fail-stop from then on.
var ErrFailed = errors.New("journal is in fail-stop state")

// TrimRange is a block run to discard after a transaction's metadata is
// durable at its final location.
type TrimRange struct {
	Start uint64
	Count uint64
}

// Transaction is one atomic set of metadata writes, with the trims to
// issue and the reservations to release once the transaction has been
// fully written back and reclaimed.
type Transaction struct {
	// Writes are whole-block metadata writes to their final disk blocks.
	Writes []bcache.BlockWrite
	// Trims are issued after the writeback is durable.
	Trims []TrimRange
	// Releases run after trims, in order; they return reserved resources.
	Releases []func()
	// OnComplete, if set, fires on the journal thread after the
	// transaction is reclaimed, in submission order. A non-nil error
	// means the transaction may not have reached the disk.
	OnComplete func(error)
}

// Journal is the write-ahead log runtime. One writer goroutine commits
// entries in submission order; a flusher goroutine writes metadata back to
// its real location, reclaims ring space, trims, and fires callbacks.
type Journal struct {
	bc  *bcache.Cache
	log *logrus.Entry

	// region geometry, absolute filesystem blocks
	start      uint64
	entryStart uint64
	capacity   uint64

	// closeMu serializes submissions against Close so a send never hits
	// a closed channel.
	closeMu sync.RWMutex

	mu       sync.Mutex
	space    *sync.Cond
	live     uint64 // blocks of committed-but-unreclaimed entries
	head     uint64 // ring offset of oldest live entry
	tail     uint64 // ring offset where the next entry is written
	headSeq  uint64 // sequence number of the entry at head
	nextSeq  uint64
	failed   bool
	submitCh chan *pending
	flushCh  chan *pending
	wg       sync.WaitGroup
	closed   bool
}

type pending struct {
	txn    *Transaction
	blocks uint64 // ring blocks consumed
	done   chan struct{}
	err    error
}

// Options configure a journal runtime.
type Options struct {
	// StartBlock and Blocks locate the journal region.
	StartBlock uint64
	Blocks     uint64
	// NextSequence and Head resume the ring where replay left it.
	NextSequence uint64
	Head         uint64
	Logger       *logrus.Entry
}

// New starts the journal goroutines over an already-replayed region.
func New(bc *bcache.Cache, opts Options) (*Journal, error) {
	if opts.Blocks < layout.MinJournalBlocks {
		return nil, fmt.Errorf("journal of %d blocks is below the minimum %d", opts.Blocks, layout.MinJournalBlocks)
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	j := &Journal{
		bc:         bc,
		log:        log,
		start:      opts.StartBlock,
		entryStart: opts.StartBlock + InfoBlocks,
		capacity:   opts.Blocks - InfoBlocks,
		head:       opts.Head,
		tail:       opts.Head,
		headSeq:    opts.NextSequence,
		nextSeq:    opts.NextSequence,
		submitCh:   make(chan *pending, 64),
		flushCh:    make(chan *pending, 64),
	}
	j.space = sync.NewCond(&j.mu)
	j.wg.Add(2)
	go j.writer()
	go j.flusher()
	return j, nil
}

// Submit queues a transaction. It blocks only when the submission queue is
// full; commit ordering follows submission ordering.
func (j *Journal) Submit(txn *Transaction) error {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	j.mu.Lock()
	if j.closed || j.failed {
		j.mu.Unlock()
		return ErrFailed
	}
	j.mu.Unlock()
	p := &pending{txn: txn, done: make(chan struct{})}
	j.submitCh <- p
	return nil
}

// SubmitAndWait queues a transaction and blocks until it completes.
func (j *Journal) SubmitAndWait(txn *Transaction) error {
	done := make(chan error, 1)
	prev := txn.OnComplete
	txn.OnComplete = func(err error) {
		if prev != nil {
			prev(err)
		}
		done <- err
	}
	if err := j.Submit(txn); err != nil {
		return err
	}
	return <-done
}

// Sync blocks until every transaction submitted before the call is
// reclaimed.
func (j *Journal) Sync() error {
	return j.SubmitAndWait(&Transaction{})
}

// Failed reports whether the journal is in fail-stop state.
func (j *Journal) Failed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Close drains the journal and stops its goroutines. After a clean drain
// the ring is empty and the anchors point at the reclaimed position.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	// wait out in-flight submissions before closing the channel
	j.closeMu.Lock()
	close(j.submitCh)
	j.closeMu.Unlock()
	j.wg.Wait()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed {
		return ErrFailed
	}
	return nil
}

// writer services submissions: writes the entry and its commit marker with
// flush barriers between, then hands the transaction to the flusher.
func (j *Journal) writer() {
	defer j.wg.Done()
	defer close(j.flushCh)
	for p := range j.submitCh {
		if err := j.commitOne(p); err != nil {
			j.failStop(p, err)
			continue
		}
		j.flushCh <- p
	}
}

func (j *Journal) commitOne(p *pending) error {
	j.mu.Lock()
	if j.failed {
		j.mu.Unlock()
		return ErrFailed
	}
	j.mu.Unlock()
	txn := p.txn
	if len(txn.Writes) == 0 {
		// barrier-only transaction
		return nil
	}
	if uint64(len(txn.Writes)) > maxPayloadBlocks {
		return fmt.Errorf("transaction of %d blocks exceeds the journal entry limit %d", len(txn.Writes), maxPayloadBlocks)
	}
	need := uint64(len(txn.Writes)) + 2
	if need > j.capacity {
		return fmt.Errorf("transaction of %d blocks exceeds the journal capacity %d", need, j.capacity)
	}
	j.mu.Lock()
	for j.capacity-j.live < need && !j.failed {
		j.space.Wait()
	}
	if j.failed {
		j.mu.Unlock()
		return ErrFailed
	}
	tail := j.tail
	seq := j.nextSeq
	j.nextSeq++
	j.tail = (j.tail + need) % j.capacity
	j.live += need
	j.mu.Unlock()

	hdr := entryHeader{Sequence: seq, Targets: make([]uint64, len(txn.Writes))}
	payload := make([][]byte, len(txn.Writes))
	for i := range txn.Writes {
		hdr.Targets[i] = txn.Writes[i].Block
		payload[i] = txn.Writes[i].Data
	}
	headerBlock := hdr.toBytes(payload)
	entrySum := entrySumOf(headerBlock)

	// entry header + payload
	writes := make([]bcache.BlockWrite, 0, len(payload)+1)
	writes = append(writes, bcache.BlockWrite{Block: j.ringBlock(tail), Data: headerBlock})
	for i, pdata := range payload {
		writes = append(writes, bcache.BlockWrite{Block: j.ringBlock(tail + 1 + uint64(i)), Data: pdata})
	}
	if err := j.bc.WriteBlocks(writes); err != nil {
		return err
	}
	if err := j.bc.Flush(); err != nil {
		return err
	}
	// commit marker
	commit := bcache.BlockWrite{
		Block: j.ringBlock(tail + 1 + uint64(len(payload))),
		Data:  commitBlock(seq, entrySum),
	}
	if err := j.bc.WriteBlocks([]bcache.BlockWrite{commit}); err != nil {
		return err
	}
	if err := j.bc.Flush(); err != nil {
		return err
	}
	p.blocks = need
	return nil
}

// flusher writes committed metadata to its final locations, advances the
// head anchor to reclaim ring space, issues trims, releases reservations
// and fires completion callbacks, in commit order.
func (j *Journal) flusher() {
	defer j.wg.Done()
	for p := range j.flushCh {
		if err := j.flushOne(p); err != nil {
			j.failStop(p, err)
			continue
		}
		j.complete(p, nil)
	}
}

func (j *Journal) flushOne(p *pending) error {
	txn := p.txn
	if len(txn.Writes) > 0 {
		if err := j.bc.WriteBlocks(txn.Writes); err != nil {
			return err
		}
	}
	if err := j.bc.Flush(); err != nil {
		return err
	}
	if p.blocks > 0 {
		j.mu.Lock()
		j.head = (j.head + p.blocks) % j.capacity
		j.headSeq++
		j.live -= p.blocks
		in := info{Sequence: j.headSeq, Head: j.head}
		j.mu.Unlock()
		if err := j.writeAnchors(in); err != nil {
			return err
		}
		j.mu.Lock()
		j.space.Broadcast()
		j.mu.Unlock()
	}
	for _, t := range txn.Trims {
		if err := j.bc.Trim(t.Start, t.Count); err != nil {
			// trim is advisory; unsupported devices just skip it
			j.log.WithError(err).Debug("journal trim skipped")
		}
	}
	return nil
}

func (j *Journal) complete(p *pending, err error) {
	for _, rel := range p.txn.Releases {
		rel()
	}
	if p.txn.OnComplete != nil {
		p.txn.OnComplete(err)
	}
	close(p.done)
}

// failStop marks the journal failed and errors the given and all queued
// transactions. In-memory state stays at the last committed transaction;
// no further writes are accepted.
func (j *Journal) failStop(p *pending, err error) {
	j.mu.Lock()
	already := j.failed
	j.failed = true
	j.space.Broadcast()
	j.mu.Unlock()
	if !already {
		j.log.WithError(err).Error("journal entering fail-stop state")
	}
	j.complete(p, fmt.Errorf("%w: %v", ErrFailed, err))
}

func (j *Journal) writeAnchors(in info) error {
	b := in.toBytes()
	if err := j.bc.WriteBlocks([]bcache.BlockWrite{
		{Block: j.start, Data: b},
		{Block: j.start + 1, Data: b},
	}); err != nil {
		return err
	}
	return j.bc.Flush()
}

// ringBlock maps a ring offset to an absolute filesystem block.
func (j *Journal) ringBlock(off uint64) uint64 {
	return j.entryStart + off%j.capacity
}

func entrySumOf(headerBlock []byte) uint32 {
	_, sum, _ := parseEntryHeader(headerBlock)
	return sum
}
