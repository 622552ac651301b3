// Package bcache services whole-filesystem-block reads and writes over a
// block device, with a small LRU read cache and batched write submission.
// Sub-block I/O is not supported: the device's native block size must
// divide the filesystem block size.
package bcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/diskfs/go-blobstore/backend"
	"github.com/diskfs/go-blobstore/blobstore/layout"
)

// DefaultCacheBlocks is the read-cache capacity when the caller does not
// pick one.
const DefaultCacheBlocks = 512

// BlockWrite is one whole-block write.
type BlockWrite struct {
	Block uint64
	Data  []byte
}

// Cache is the buffered I/O layer.
type Cache struct {
	dev    backend.Device
	info   backend.Info
	blocks uint64
	cache  *lru.Cache[uint64, []byte]
}

// New wraps a device. cacheBlocks is the LRU capacity in filesystem
// blocks; 0 picks DefaultCacheBlocks.
func New(dev backend.Device, cacheBlocks int) (*Cache, error) {
	info, err := dev.Info()
	if err != nil {
		return nil, fmt.Errorf("querying device info: %w", err)
	}
	if info.DeviceBlockSize == 0 || info.DeviceBlockSize > layout.FSBlockSize || layout.FSBlockSize%info.DeviceBlockSize != 0 {
		return nil, fmt.Errorf("device block size %d does not divide filesystem block size %d", info.DeviceBlockSize, layout.FSBlockSize)
	}
	if cacheBlocks <= 0 {
		cacheBlocks = DefaultCacheBlocks
	}
	c, err := lru.New[uint64, []byte](cacheBlocks)
	if err != nil {
		return nil, err
	}
	return &Cache{
		dev:    dev,
		info:   info,
		blocks: info.BlockCount * uint64(info.DeviceBlockSize) / layout.FSBlockSize,
		cache:  c,
	}, nil
}

// Device returns the underlying device.
func (c *Cache) Device() backend.Device { return c.dev }

// Info returns the cached device info.
func (c *Cache) Info() backend.Info { return c.info }

// Blocks returns the device capacity in filesystem blocks.
func (c *Cache) Blocks() uint64 { return c.blocks }

// ReadBlock reads filesystem block n into buf, which must be exactly one
// block.
func (c *Cache) ReadBlock(n uint64, buf []byte) error {
	if len(buf) != layout.FSBlockSize {
		return fmt.Errorf("read buffer is %d bytes, want %d", len(buf), layout.FSBlockSize)
	}
	if n >= c.blocks {
		return backend.ErrOutOfRange
	}
	if cached, ok := c.cache.Get(n); ok {
		copy(buf, cached)
		return nil
	}
	if _, err := c.dev.ReadAt(buf, int64(n)*layout.FSBlockSize); err != nil {
		return fmt.Errorf("reading block %d: %w", n, err)
	}
	entry := make([]byte, layout.FSBlockSize)
	copy(entry, buf)
	c.cache.Add(n, entry)
	return nil
}

// ReadBlocks reads count contiguous blocks starting at block n into buf.
func (c *Cache) ReadBlocks(n, count uint64, buf []byte) error {
	if uint64(len(buf)) != count*layout.FSBlockSize {
		return fmt.Errorf("read buffer is %d bytes, want %d", len(buf), count*layout.FSBlockSize)
	}
	for i := uint64(0); i < count; i++ {
		if err := c.ReadBlock(n+i, buf[i*layout.FSBlockSize:(i+1)*layout.FSBlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlocks writes the given whole blocks through to the device in one
// batch, keeping the read cache coherent. Each Data must be exactly one
// block.
func (c *Cache) WriteBlocks(writes []BlockWrite) error {
	if len(writes) == 0 {
		return nil
	}
	reqs := make([]backend.Request, 0, len(writes))
	for i := range writes {
		if len(writes[i].Data) != layout.FSBlockSize {
			return fmt.Errorf("write buffer for block %d is %d bytes, want %d", writes[i].Block, len(writes[i].Data), layout.FSBlockSize)
		}
		if writes[i].Block >= c.blocks {
			return backend.ErrOutOfRange
		}
		reqs = append(reqs, backend.Request{
			Op:           backend.OpWrite,
			Buf:          writes[i].Data,
			DeviceOffset: int64(writes[i].Block) * layout.FSBlockSize,
			Length:       layout.FSBlockSize,
		})
	}
	if err := backend.Transact(c.dev, reqs); err != nil {
		return fmt.Errorf("writing %d blocks: %w", len(writes), err)
	}
	for i := range writes {
		entry := make([]byte, layout.FSBlockSize)
		copy(entry, writes[i].Data)
		c.cache.Add(writes[i].Block, entry)
	}
	return nil
}

// WriteRun writes a contiguous run of blocks starting at block n. buf must
// be a whole number of blocks.
func (c *Cache) WriteRun(n uint64, buf []byte) error {
	if len(buf)%layout.FSBlockSize != 0 {
		return fmt.Errorf("write run of %d bytes is not block aligned", len(buf))
	}
	writes := make([]BlockWrite, 0, len(buf)/layout.FSBlockSize)
	for i := 0; i*layout.FSBlockSize < len(buf); i++ {
		writes = append(writes, BlockWrite{Block: n + uint64(i), Data: buf[i*layout.FSBlockSize : (i+1)*layout.FSBlockSize]})
	}
	return c.WriteBlocks(writes)
}

// Trim discards count blocks starting at block n. Unsupported devices
// return backend.ErrTrimUnsupported.
func (c *Cache) Trim(n, count uint64) error {
	if n+count > c.blocks {
		return backend.ErrOutOfRange
	}
	if err := c.dev.Trim(int64(n)*layout.FSBlockSize, int64(count)*layout.FSBlockSize); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		c.cache.Remove(n + i)
	}
	return nil
}

// Flush is a write barrier down to the device.
func (c *Cache) Flush() error {
	return c.dev.Flush()
}

// Invalidate drops the whole read cache; used after replaying the journal
// over the device.
func (c *Cache) Invalidate() {
	c.cache.Purge()
}

// Resize re-reads the device geometry after the underlying volume grew.
func (c *Cache) Resize() error {
	info, err := c.dev.Info()
	if err != nil {
		return fmt.Errorf("querying device info: %w", err)
	}
	c.info = info
	c.blocks = info.BlockCount * uint64(info.DeviceBlockSize) / layout.FSBlockSize
	return nil
}
