package blobstore

import (
	"sync"

	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// blobCache enforces at-most-one live in-memory Blob per digest. The
// cache itself never pins a blob: an entry whose reference count has hit
// zero is either dropped (EvictImmediately) or retained with its pages
// (NeverEvict), and a retained entry can be upgraded again by a later
// lookup. It also carries the digest-to-node index for lookups and the
// set of blobs excluded as corrupt.
type blobCache struct {
	mu      sync.Mutex
	blobs   map[merkle.Digest]*Blob
	nodes   map[merkle.Digest]uint32
	errored map[merkle.Digest]struct{}
}

func newBlobCache() *blobCache {
	return &blobCache{
		blobs:   make(map[merkle.Digest]*Blob),
		nodes:   make(map[merkle.Digest]uint32),
		errored: make(map[merkle.Digest]struct{}),
	}
}

// setNode records the on-disk location of a committed blob.
func (c *blobCache) setNode(d merkle.Digest, node uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[d] = node
}

func (c *blobCache) dropNode(d merkle.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, d)
}

// nodeOf returns the node index of a committed blob.
func (c *blobCache) nodeOf(d merkle.Digest) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[d]
	return n, ok
}

// digests snapshots the committed digest set, for readdir.
func (c *blobCache) digests() []merkle.Digest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]merkle.Digest, 0, len(c.nodes))
	for d := range c.nodes {
		out = append(out, d)
	}
	return out
}

// markErrored excludes a digest from the readable set.
func (c *blobCache) markErrored(d merkle.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errored[d] = struct{}{}
	delete(c.nodes, d)
}

func (c *blobCache) isErrored(d merkle.Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.errored[d]
	return ok
}

// acquire upgrades an existing entry, taking a reference. ok is false when
// there is no live entry and the caller should load afresh.
func (c *blobCache) acquire(d merkle.Digest) (*Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[d]
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateErrored {
		// not upgradable; drop the stale entry
		delete(c.blobs, d)
		return nil, false
	}
	b.refs++
	return b, true
}

// insert adds a freshly loaded or created blob holding one reference.
// It fails if a live entry already exists.
func (c *blobCache) insert(b *Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[b.digest]; ok {
		return ErrAlreadyExists
	}
	c.blobs[b.digest] = b
	return nil
}

// drop removes an entry regardless of state.
func (c *blobCache) drop(d merkle.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, d)
}

// releaseLast decides what happens when a blob's last reference went
// away: purge it if it is marked for deletion or errored, evict or retain
// it per cache policy otherwise.
func (c *blobCache) releaseLast(b *Blob) {
	b.mu.Lock()
	state := b.state
	paged := b.paged
	b.mu.Unlock()

	switch state {
	case StateMarkedForDeletion, StateErrored:
		c.drop(b.digest)
		b.fs.purgeBlob(b)
		return
	case StateReadable:
		policy := b.fs.opts.CachePolicy
		if paged {
			policy = b.fs.opts.pagedPolicy()
		}
		if policy == EvictImmediately {
			b.mu.Lock()
			b.pages = nil
			b.data = nil
			b.loaded = false
			b.mu.Unlock()
			c.drop(b.digest)
		}
	default:
		// writers dropped before commit clean up in the writer path
		c.drop(b.digest)
	}
}

// purge tears the cache down at shutdown.
func (c *blobCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs = make(map[merkle.Digest]*Blob)
}
