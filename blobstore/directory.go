package blobstore

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// OfflineCompressionSuffix marks a create as supplying a pre-compressed
// archive rather than raw payload bytes.
const OfflineCompressionSuffix = ".zst"

// ParseDigest parses a blob name: the lowercase hex form of its digest.
func ParseDigest(name string) (merkle.Digest, error) {
	var d merkle.Digest
	if len(name) != layout.DigestLen*2 {
		return d, fmt.Errorf("%w: blob name %q is not a %d character digest", ErrInvalidArgument, name, layout.DigestLen*2)
	}
	raw, err := hex.DecodeString(name)
	if err != nil {
		return d, fmt.Errorf("%w: blob name %q is not hex: %v", ErrInvalidArgument, name, err)
	}
	copy(d[:], raw)
	return d, nil
}

// DigestName renders a digest as its directory name.
func DigestName(d merkle.Digest) string {
	return hex.EncodeToString(d[:])
}

// Directory is the flat index of committed blobs: the entry point for
// lookup, create and unlink. It is a façade over the blob cache and the
// node table.
type Directory struct {
	fs *FileSystem
}

// Root returns the root directory.
func (fs *FileSystem) Root() *Directory {
	return &Directory{fs: fs}
}

// Lookup opens a committed blob by digest. The returned handle must be
// closed.
func (d *Directory) Lookup(digest merkle.Digest) (*Blob, error) {
	fs := d.fs
	fs.mu.Lock()
	closed := fs.closed
	fs.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: store is shut down", ErrBadState)
	}
	for {
		if b, ok := fs.cache.acquire(digest); ok {
			b.mu.Lock()
			state := b.state
			b.mu.Unlock()
			if state != StateReadable {
				// unlinked or still being written: hidden from lookup
				_ = b.Close()
				return nil, fmt.Errorf("%w: %s", ErrNotFound, DigestName(digest))
			}
			return b, nil
		}
		node, ok := fs.cache.nodeOf(digest)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, DigestName(digest))
		}
		b := &Blob{
			fs:        fs,
			digest:    digest,
			state:     StateReadable,
			refs:      1,
			nodeIndex: node,
		}
		if err := b.loadMeta(); err != nil {
			if isIntegrity(err) {
				fs.cache.markErrored(digest)
				fs.notifyCorruption(digest, CorruptionNodeLinkage)
			}
			return nil, err
		}
		if err := fs.cache.insert(b); err != nil {
			// lost a race; upgrade the winner instead
			continue
		}
		return b, nil
	}
}

// LookupName opens a blob by its hex name.
func (d *Directory) LookupName(name string) (*Blob, error) {
	digest, err := ParseDigest(name)
	if err != nil {
		return nil, err
	}
	return d.Lookup(digest)
}

// Create starts writing a new blob. A digest that is already committed
// returns ErrAlreadyExists without consuming any data.
func (d *Directory) Create(digest merkle.Digest) (*BlobWriter, error) {
	return d.create(digest, false)
}

// CreateName starts a write by name. A name carrying the offline
// compression suffix supplies a pre-compressed archive; the mount must
// permit it.
func (d *Directory) CreateName(name string) (*BlobWriter, error) {
	offline := false
	if strings.HasSuffix(name, OfflineCompressionSuffix) {
		offline = true
		name = strings.TrimSuffix(name, OfflineCompressionSuffix)
	}
	digest, err := ParseDigest(name)
	if err != nil {
		return nil, err
	}
	return d.create(digest, offline)
}

func (d *Directory) create(digest merkle.Digest, offline bool) (*BlobWriter, error) {
	fs := d.fs
	if _, ok := fs.cache.nodeOf(digest); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, DigestName(digest))
	}
	w, err := fs.createBlob(digest, offline)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Unlink hides a committed blob from lookup and marks it for deletion.
// The on-disk footprint is removed when the last open handle goes away.
func (d *Directory) Unlink(digest merkle.Digest) error {
	fs := d.fs
	if err := fs.writableCheck(); err != nil {
		return err
	}
	b, err := d.Lookup(digest)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state = StateMarkedForDeletion
	b.mu.Unlock()
	fs.cache.dropNode(digest)
	// dropping our handle purges immediately if nobody else holds one
	return b.Close()
}

// UnlinkName unlinks by hex name.
func (d *Directory) UnlinkName(name string) error {
	digest, err := ParseDigest(name)
	if err != nil {
		return err
	}
	return d.Unlink(digest)
}

// ReadDir returns the names of all committed blobs: a stable snapshot at
// call time, sorted.
func (d *Directory) ReadDir() []string {
	digests := d.fs.cache.digests()
	names := make([]string, 0, len(digests))
	for _, dg := range digests {
		names = append(names, DigestName(dg))
	}
	sort.Strings(names)
	return names
}

// Sync flushes all completed transactions.
func (d *Directory) Sync() error {
	return d.fs.Sync()
}

// HealthStatus is the health check verdict.
type HealthStatus struct {
	Healthy      bool
	BlobsChecked int
	Failures     []string
}

// healthCheckSample bounds how many blobs one health check reads.
const healthCheckSample = 8

// HealthCheck opens and fully verifies a sample of committed blobs.
func (fs *FileSystem) HealthCheck() HealthStatus {
	dir := fs.Root()
	names := dir.ReadDir()
	if len(names) > healthCheckSample {
		names = names[:healthCheckSample]
	}
	status := HealthStatus{Healthy: true}
	buf := make([]byte, 64*1024)
	for _, name := range names {
		b, err := dir.LookupName(name)
		if err != nil {
			status.Healthy = false
			status.Failures = append(status.Failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		size := b.Size()
		var off uint64
		for off < size {
			n, err := b.ReadAt(buf, int64(off))
			if err != nil && n == 0 {
				status.Healthy = false
				status.Failures = append(status.Failures, fmt.Sprintf("%s: %v", name, err))
				break
			}
			off += uint64(n)
		}
		status.BlobsChecked++
		_ = b.Close()
	}
	return status
}
