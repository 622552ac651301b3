package blobstore

import (
	"fmt"
	"sync"
)

// pager services page faults for paged blobs on a configurable worker
// pool. Faults for distinct blobs run in parallel; per-blob state is
// serialized by the blob's own mutex. Once stopped, in-flight faults
// complete but no further faults are accepted.
type pager struct {
	fs *FileSystem

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	reqs    chan *faultRequest
	done    chan struct{}
}

type faultRequest struct {
	blob   *Blob
	start  uint64
	count  uint64
	result chan error
}

func newPager(fs *FileSystem, workers int) *pager {
	if workers < 1 {
		workers = 1
	}
	p := &pager{
		fs:   fs,
		reqs: make(chan *faultRequest),
		done: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pager) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case req := <-p.reqs:
			req.result <- req.blob.supplyPages(req.start, req.count)
		}
	}
}

// fault blocks the calling reader until the pages [start, start+count)
// are resident or the fault fails.
func (p *pager) fault(b *Blob, start, count uint64) error {
	req := &faultRequest{blob: b, start: start, count: count, result: make(chan error, 1)}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("%w: pager is shut down", ErrBadState)
	}
	p.mu.Unlock()
	select {
	case p.reqs <- req:
		return <-req.result
	case <-p.done:
		return fmt.Errorf("%w: pager is shut down", ErrBadState)
	}
}

// stop refuses new faults and waits for in-flight ones to complete.
func (p *pager) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}
