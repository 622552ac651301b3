package blobstore

import (
	"bytes"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-blobstore/backend/mock"
	"github.com/diskfs/go-blobstore/blobstore/chunked"
	"github.com/diskfs/go-blobstore/blobstore/layout"
	"github.com/diskfs/go-blobstore/blobstore/merkle"
)

// newDevice builds a mock device of fsBlocks filesystem blocks with a 512
// byte native block.
func newDevice(fsBlocks uint64) *mock.Device {
	return mock.New(mock.Options{
		DeviceBlockSize: 512,
		BlockCount:      fsBlocks * (layout.FSBlockSize / 512),
		TrimSupport:     true,
	})
}

func formatDevice(t *testing.T, dev *mock.Device, opts FormatOptions) {
	t.Helper()
	require.NoError(t, Format(dev, opts))
}

func mountWritable(t *testing.T, dev *mock.Device, tweak func(*MountOptions)) *FileSystem {
	t.Helper()
	opts := MountOptions{Writability: Writable}
	if tweak != nil {
		tweak(&opts)
	}
	fs, err := Mount(dev, opts)
	require.NoError(t, err)
	return fs
}

// writeBlob pushes a payload in and returns its digest.
func writeBlob(t *testing.T, fs *FileSystem, payload []byte) merkle.Digest {
	t.Helper()
	digest := merkle.Root(payload)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))
	if len(payload) > 0 {
		n, err := w.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
	}
	require.NoError(t, w.Close())
	return digest
}

func readBlob(t *testing.T, fs *FileSystem, digest merkle.Digest) []byte {
	t.Helper()
	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	defer b.Close()
	out := make([]byte, b.Size())
	if len(out) == 0 {
		return out
	}
	n, err := b.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	return out
}

// compressible builds repetitive pseudo-random data the codec can shrink.
func compressibleData(size int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	pattern := make([]byte, 64)
	r.Read(pattern[:8])
	for i := 8; i < len(pattern); i++ {
		pattern[i] = pattern[i%8]
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

func randomData(size int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	out := make([]byte, size)
	r.Read(out)
	return out
}

// S1: format, mount, unmount, fsck.
func TestFormatMountUnmountFsck(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "fresh instance must pass fsck: %v", report.Errors)

	fs := mountWritable(t, dev, nil)
	info := fs.Info()
	assert.True(t, info.Clean)
	assert.Zero(t, info.AllocatedBlocks)
	assert.Zero(t, info.AllocatedInodes)
	require.NoError(t, fs.Shutdown())

	report, err = Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "fsck after unmount: %v", report.Errors)
}

// S2: a 1024-byte blob of 'a'.
func TestWriteReadSmallBlob(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)

	payload := bytes.Repeat([]byte{0x61}, 1024)
	digest := writeBlob(t, fs, payload)

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	attrs := b.Attributes()
	assert.Equal(t, uint64(1024), attrs.Size)
	assert.Equal(t, uint64(layout.FSBlockSize), attrs.AllocatedBytes, "one block")
	assert.Equal(t, uint32(1), attrs.LinkCount)

	// a single-chunk blob stores no merkle tree
	ino, err := fs.alloc.GetInode(attrs.InodeIndex)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), ino.StoredSize)
	require.NoError(t, b.Close())

	assert.Equal(t, payload, readBlob(t, fs, digest))
	require.NoError(t, fs.Shutdown())

	// reopen and read back
	fs2 := mountWritable(t, dev, nil)
	assert.Equal(t, payload, readBlob(t, fs2, digest))
	require.NoError(t, fs2.Shutdown())

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

func TestZeroLengthBlob(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	digest := merkle.Root(nil)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(0))
	require.NoError(t, w.Close())

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	defer b.Close()
	assert.Zero(t, b.Size())
	assert.Zero(t, b.Attributes().AllocatedBytes)
	n, err := b.ReadAt(make([]byte, 10), 0)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

// S3: a large compressed blob, verified reads, then on-disk corruption.
func TestCompressedBlobAndCorruption(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, func(o *MountOptions) {
		o.Compression = CompressionChunked
	})

	payload := compressibleData(262144, 1)
	digest := writeBlob(t, fs, payload)

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	attrs := b.Attributes()
	assert.Less(t, attrs.AllocatedBytes, uint64(len(payload)), "compressed storage must be chosen")
	ino, err := fs.alloc.GetInode(attrs.InodeIndex)
	require.NoError(t, err)
	assert.Less(t, ino.StoredSize, uint64(len(payload)))
	alg, err := ino.Header.Compression()
	require.NoError(t, err)
	assert.Equal(t, layout.CompressionChunkedZstd, alg)

	// reads at chunk and block boundaries, byte for byte
	tests := []struct {
		off, length int
	}{
		{0, 1},
		{0, len(payload)},
		{8191, 2},
		{32767, 2},          // compression chunk boundary
		{65536 - 1, 8192},   // spans chunks
		{len(payload) - 1, 1},
		{len(payload) - 4097, 4097},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.length)
		n, err := b.ReadAt(buf, int64(tt.off))
		require.NoError(t, err, "read at %d", tt.off)
		require.Equal(t, tt.length, n)
		assert.True(t, bytes.Equal(payload[tt.off:tt.off+tt.length], buf), "read at %d+%d", tt.off, tt.length)
	}
	require.NoError(t, b.Close())

	// find the first data block and corrupt one byte on disk
	extents, err := walkExtents(fs.alloc, attrs.InodeIndex, ino)
	require.NoError(t, err)
	require.NotEmpty(t, extents)
	corruptOff := int64(extents[0].Start) * layout.FSBlockSize
	require.NoError(t, fs.Shutdown())

	sector := make([]byte, 512)
	_, err = dev.ReadAt(sector, corruptOff)
	require.NoError(t, err)
	sector[0] ^= 0xff
	_, err = dev.WriteAt(sector, corruptOff)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())

	// remount read-only: the read must fail with an integrity error and
	// the corruption notifier must fire
	fs2, err := Mount(dev, MountOptions{Writability: ReadOnlyFilesystem})
	require.NoError(t, err)
	var notifiedMu sync.Mutex
	var notified []merkle.Digest
	fs2.SetCorruptBlobHandler(func(d merkle.Digest, _ CorruptionKind) {
		notifiedMu.Lock()
		notified = append(notified, d)
		notifiedMu.Unlock()
	})
	b2, err := fs2.Root().Lookup(digest)
	require.NoError(t, err)
	_, err = b2.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrIntegrity)
	// the error is fused
	_, err2 := b2.ReadAt(make([]byte, 1), 0)
	assert.Equal(t, err, err2)
	_ = b2.Close()

	notifiedMu.Lock()
	require.Len(t, notified, 1)
	assert.Equal(t, digest, notified[0])
	notifiedMu.Unlock()
	require.NoError(t, fs2.Shutdown())
}

func TestIncompressibleBlobStoredRaw(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, func(o *MountOptions) {
		o.Compression = CompressionChunked
	})
	defer fs.Shutdown()

	payload := randomData(65536, 2)
	digest := writeBlob(t, fs, payload)

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	ino, err := fs.alloc.GetInode(b.Attributes().InodeIndex)
	require.NoError(t, err)
	alg, err := ino.Header.Compression()
	require.NoError(t, err)
	assert.Equal(t, layout.CompressionNone, alg, "incompressible input must be stored raw")
	require.NoError(t, b.Close())

	assert.Equal(t, payload, readBlob(t, fs, digest))
}

func TestDeduplication(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := compressibleData(10000, 3)
	digest := writeBlob(t, fs, payload)

	_, err := fs.Root().Create(digest)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUnlink(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)

	payload := compressibleData(20000, 4)
	digest := writeBlob(t, fs, payload)
	require.NotZero(t, fs.Info().AllocatedBlocks)

	require.NoError(t, fs.Root().Unlink(digest))
	_, err := fs.Root().Lookup(digest)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, fs.Root().Unlink(digest), ErrNotFound)

	// space is back and the digest can be created again
	assert.Zero(t, fs.Info().AllocatedBlocks)
	assert.Zero(t, fs.Info().AllocatedInodes)
	writeBlob(t, fs, payload)
	require.NoError(t, fs.Shutdown())

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

func TestUnlinkWhileOpen(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := compressibleData(20000, 5)
	digest := writeBlob(t, fs, payload)

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	require.NoError(t, fs.Root().Unlink(digest))

	// hidden from lookup, still readable by the current holder
	_, err = fs.Root().Lookup(digest)
	assert.ErrorIs(t, err, ErrNotFound)
	out := make([]byte, 100)
	_, err = b.ReadAt(out, 0)
	assert.NoError(t, err)
	assert.Equal(t, payload[:100], out)

	// footprint is removed once the last holder closes
	require.NoError(t, b.Close())
	assert.Zero(t, fs.Info().AllocatedBlocks)
}

// S4: fragmentation and multi-extent allocation.
func TestFragmentedAllocation(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)

	payloads := make([][]byte, 16)
	digests := make([]merkle.Digest, 16)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte(i + 1)}, layout.FSBlockSize)
		digests[i] = writeBlob(t, fs, payloads[i])
	}
	// unlink every other blob
	for i := 0; i < 16; i += 2 {
		require.NoError(t, fs.Root().Unlink(digests[i]))
	}
	require.NoError(t, fs.Sync())

	stats := fs.alloc.SampleFragmentation()
	assert.Equal(t, uint64(8), stats.FreeFragments[1], "eight single-block holes")

	// a blob needing 8 blocks lands across multiple extents
	payload := compressibleData(8*layout.FSBlockSize-1024, 6)
	digest := writeBlob(t, fs, payload)
	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	ino, err := fs.alloc.GetInode(b.Attributes().InodeIndex)
	require.NoError(t, err)
	assert.Greater(t, ino.ExtentCount, uint32(1), "allocation must split across the holes")
	require.NoError(t, b.Close())
	assert.Equal(t, payload, readBlob(t, fs, digest))
	require.NoError(t, fs.Shutdown())

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

// S5: a crash before commit leaves no trace of the blob.
func TestCrashBeforeCommit(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, func(o *MountOptions) {
		o.Compression = CompressionChunked
	})

	payload := compressibleData(65536, 7)
	digest := merkle.Root(payload)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))
	_, err = w.Write(payload[:32768])
	require.NoError(t, err)

	// power cut: drop everything since the last flush
	dev.Crash()

	fs2, err := Mount(dev, MountOptions{Writability: Writable})
	require.NoError(t, err)
	_, err = fs2.Root().Lookup(digest)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, fs2.Info().AllocatedBlocks, "no blocks may leak")
	require.NoError(t, fs2.Shutdown())

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

// Crash after commit keeps the blob: the journal replays it.
func TestJournalReplayAfterCrash(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)

	payload := compressibleData(30000, 8)
	digest := writeBlob(t, fs, payload)
	// the commit transaction is durable in the journal once the write
	// returns; cut power without an orderly shutdown
	dev.Crash()

	fs2, err := Mount(dev, MountOptions{Writability: Writable})
	require.NoError(t, err)
	assert.Equal(t, payload, readBlob(t, fs2, digest))
	require.NoError(t, fs2.Shutdown())

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

// S6: shutdown while reads are in flight.
func TestShutdownWithReadsInFlight(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, func(o *MountOptions) {
		o.PagingThreads = 2
	})

	payload := compressibleData(262144, 9)
	digest := writeBlob(t, fs, payload)
	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(4)
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer wg.Done()
			buf := make([]byte, 8192)
			for off := int64(g * 8192); off < int64(len(payload)); off += 32768 {
				// reads racing shutdown either succeed or report the
				// store as shut down; they must not hang or corrupt
				if _, err := b.ReadAt(buf, off); err != nil {
					return
				}
			}
		}(g)
	}
	require.NoError(t, fs.Shutdown())
	wg.Wait()
	_ = b.Close()

	report, err := Check(dev, CheckOptions{Strict: true})
	require.NoError(t, err)
	assert.True(t, report.Pass, "%v", report.Errors)
}

func TestWriterRejectsBadOffsets(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := compressibleData(30000, 10)
	digest := merkle.Root(payload)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))

	_, err = w.WriteAt(payload[:100], 50)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = w.Write(make([]byte, len(payload)+1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// a write at the cursor still works
	_, err = w.WriteAt(payload[:100], 0)
	require.NoError(t, err)
	_ = w.Close()
}

func TestWriterDigestMismatch(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := compressibleData(5000, 11)
	wrong := merkle.Root([]byte("something else"))
	w, err := fs.Root().Create(wrong)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))
	_, err = w.Write(payload)
	assert.ErrorIs(t, err, ErrIntegrity)
	_ = w.Close()

	// nothing leaked; the correct digest can still be written
	assert.Zero(t, fs.Info().AllocatedBlocks)
	writeBlob(t, fs, payload)
}

func TestAbortedWriteReleasesEverything(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := compressibleData(30000, 12)
	digest := merkle.Root(payload)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))
	_, err = w.Write(payload[:100])
	require.NoError(t, err)
	assert.Error(t, w.Close(), "closing an unfinished blob reports it")

	// and a fresh create of the same digest succeeds
	writeBlob(t, fs, payload)
	assert.Equal(t, payload, readBlob(t, fs, digest))
}

func TestNoSpaceIsFused(t *testing.T) {
	dev := newDevice(24)
	formatDevice(t, dev, FormatOptions{NumInodes: 64})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	payload := randomData(5*layout.FSBlockSize, 13)
	digest := merkle.Root(payload)
	w, err := fs.Root().Create(digest)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(payload))))
	_, err = w.Write(payload)
	require.ErrorIs(t, err, ErrNoSpace)

	// fused on the handle
	_, err2 := w.Write([]byte{1})
	assert.Equal(t, err, err2)
	_ = w.Close()

	// the store itself is fine: a smaller blob still fits
	small := randomData(layout.FSBlockSize, 14)
	writeBlob(t, fs, small)
}

func TestReadDir(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	var want []string
	for i := 0; i < 5; i++ {
		d := writeBlob(t, fs, compressibleData(1000+i, int64(20+i)))
		want = append(want, DigestName(d))
	}
	got := fs.Root().ReadDir()
	assert.Len(t, got, 5)
	for _, name := range want {
		assert.Contains(t, got, name)
	}
	// names parse back to digests
	for _, name := range got {
		_, err := ParseDigest(name)
		assert.NoError(t, err)
	}
}

func TestOfflineCompression(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})

	payload := compressibleData(100000, 15)
	var archiveBuf bytes.Buffer
	cw, err := chunked.NewWriter(&archiveBuf, chunked.Zstd, 0, 0)
	require.NoError(t, err)
	_, err = cw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, cw.Close())
	archive := archiveBuf.Bytes()
	digest := merkle.Root(payload)
	name := DigestName(digest) + OfflineCompressionSuffix

	// refused while the mount option is off
	fs := mountWritable(t, dev, nil)
	_, err = fs.Root().CreateName(name)
	assert.ErrorIs(t, err, ErrUnsupported)
	require.NoError(t, fs.Shutdown())

	fs = mountWritable(t, dev, func(o *MountOptions) {
		o.OfflineCompression = true
	})
	defer fs.Shutdown()
	w, err := fs.Root().CreateName(name)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(uint64(len(archive))))
	_, err = w.Write(archive)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, payload, readBlob(t, fs, digest))
}

func TestBackupSuperblockFallback(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})

	// trash the primary superblock
	garbage := make([]byte, 512)
	for i := range garbage {
		garbage[i] = 0xde
	}
	_, err := dev.WriteAt(garbage, 0)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())

	fs, err := Mount(dev, MountOptions{Writability: Writable})
	require.NoError(t, err, "backup superblock must carry the mount")
	assert.Zero(t, fs.Info().AllocatedBlocks)
	writeBlob(t, fs, compressibleData(5000, 16))
	require.NoError(t, fs.Shutdown())
}

func TestAccessDenied(t *testing.T) {
	dev := mock.New(mock.Options{DeviceBlockSize: 512, BlockCount: 1024 * 16, ReadOnly: true})
	_, err := Mount(dev, MountOptions{Writability: Writable})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestReadOnlyFilesystemRejectsMutation(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	payload := compressibleData(5000, 17)
	digest := writeBlob(t, fs, payload)
	require.NoError(t, fs.Shutdown())

	fs2, err := Mount(dev, MountOptions{Writability: ReadOnlyFilesystem})
	require.NoError(t, err)
	defer fs2.Shutdown()

	_, err = fs2.Root().Create(merkle.Root([]byte("new")))
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, fs2.Root().Unlink(digest), ErrAccessDenied)
	assert.Equal(t, payload, readBlob(t, fs2, digest))
}

func TestHealthCheck(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	for i := 0; i < 3; i++ {
		writeBlob(t, fs, compressibleData(10000+i, int64(30+i)))
	}
	status := fs.HealthCheck()
	assert.True(t, status.Healthy, "%v", status.Failures)
	assert.Equal(t, 3, status.BlobsChecked)
}

// Property 6: the clean flag tracks modifications and orderly shutdown.
func TestCleanFlag(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})

	fs := mountWritable(t, dev, nil)
	writeBlob(t, fs, compressibleData(1000, 40))

	// after a modification, the on-disk superblock is dirty
	raw := make([]byte, layout.FSBlockSize)
	_, err := dev.ReadAt(raw, 0)
	require.NoError(t, err)
	sb, err := layout.SuperblockFromBytes(raw)
	require.NoError(t, err)
	assert.False(t, sb.Clean())

	require.NoError(t, fs.Shutdown())
	_, err = dev.ReadAt(raw, 0)
	require.NoError(t, err)
	sb, err = layout.SuperblockFromBytes(raw)
	require.NoError(t, err)
	assert.True(t, sb.Clean())
}

// The merkle tree shares the last payload block when it fits in the
// slack.
func TestCompactTreeFitsInSlack(t *testing.T) {
	dev := newDevice(1024)
	formatDevice(t, dev, FormatOptions{})
	fs := mountWritable(t, dev, nil)
	defer fs.Shutdown()

	// two chunks: tree is 64 bytes; payload leaves plenty of slack
	size := layout.FSBlockSize + 100
	payload := compressibleData(size, 41)
	digest := writeBlob(t, fs, payload)

	b, err := fs.Root().Lookup(digest)
	require.NoError(t, err)
	defer b.Close()
	attrs := b.Attributes()
	assert.Equal(t, uint64(2*layout.FSBlockSize), attrs.AllocatedBytes,
		"tree must not cost an extra block")
	assert.Equal(t, payload, readBlob(t, fs, digest))
}
