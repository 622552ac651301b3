package blobstore

import (
	"errors"

	"github.com/diskfs/go-blobstore/blobstore/allocator"
)

// Error kinds surfaced by the store. Callers test with errors.Is; wrapped
// messages carry the context.
var (
	// ErrInvalidArgument covers malformed digests, out-of-range node
	// indices, writes at unsupported offsets and configuration conflicts.
	ErrInvalidArgument = allocator.ErrInvalidArgument
	// ErrNotFound means the digest is absent from the directory.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists means a create hit a digest already present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoSpace is allocator exhaustion. It is a normal condition: the
	// caller may free blobs and retry.
	ErrNoSpace = allocator.ErrNoSpace
	// ErrIO is a device or journal I/O failure.
	ErrIO = errors.New("i/o error")
	// ErrIntegrity is a Merkle mismatch or bad node linkage.
	ErrIntegrity = errors.New("integrity failure")
	// ErrBadState is an operation in the wrong lifecycle state.
	ErrBadState = allocator.ErrBadState
	// ErrUnsupported covers trim without device support, offline
	// compression while disabled, and unknown on-disk minor versions.
	ErrUnsupported = errors.New("operation not supported")
	// ErrAccessDenied is a writable mount attempted on read-only storage.
	ErrAccessDenied = errors.New("access denied")
)
