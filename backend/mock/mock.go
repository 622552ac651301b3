// Package mock provides an in-memory block device with fault injection,
// trim recording and power-cut simulation, for tests.
package mock

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-blobstore/backend"
)

// Options configure a mock device.
type Options struct {
	DeviceBlockSize uint32
	BlockCount      uint64
	ReadOnly        bool
	TrimSupport     bool
	// WithinVolumeManager makes the device growable via the
	// backend.VolumeManager interface.
	WithinVolumeManager bool
	// SliceSize is the growth granularity when WithinVolumeManager is set.
	SliceSize uint64
	// MaxSize bounds growth; 0 means unbounded.
	MaxSize uint64
}

type hook func(op backend.OpKind, off, length int64) error

// Device is an in-memory backend.Device. Writes land in a volatile image
// and only reach the stable image on Flush; Crash discards everything
// since the last flush, modeling a power cut.
type Device struct {
	mu sync.Mutex

	opts     Options
	volatile []byte
	stable   []byte

	trims [][2]int64

	reads, writes, flushes uint64

	// hooks fire before the operation; a non-nil return fails it.
	preOp hook

	closed bool
}

// TrimRange is one recorded trim, as (offset, length) in bytes.
type TrimRange = [2]int64

// New creates a mock device. Unset options get test-friendly defaults.
func New(opts Options) *Device {
	if opts.DeviceBlockSize == 0 {
		opts.DeviceBlockSize = 512
	}
	if opts.BlockCount == 0 {
		opts.BlockCount = 2048
	}
	if opts.WithinVolumeManager && opts.SliceSize == 0 {
		opts.SliceSize = 1 << 20
	}
	size := opts.BlockCount * uint64(opts.DeviceBlockSize)
	return &Device{
		opts:     opts,
		volatile: make([]byte, size),
		stable:   make([]byte, size),
	}
}

// SetHook installs fn to run before every operation; returning an error
// fails that operation. Pass nil to clear.
func (d *Device) SetHook(fn func(op backend.OpKind, off, length int64) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preOp = fn
}

// FailAfterWrites fails every write after the next n writes succeed.
func (d *Device) FailAfterWrites(n uint64) {
	d.mu.Lock()
	start := d.writes
	d.mu.Unlock()
	d.SetHook(func(op backend.OpKind, _, _ int64) error {
		if op != backend.OpWrite {
			return nil
		}
		// hooks run from check(), with d.mu already held
		if d.writes-start >= n {
			return fmt.Errorf("injected write failure")
		}
		return nil
	})
}

func (d *Device) Info() (backend.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return backend.Info{
		DeviceBlockSize:     d.opts.DeviceBlockSize,
		BlockCount:          uint64(len(d.volatile)) / uint64(d.opts.DeviceBlockSize),
		ReadOnly:            d.opts.ReadOnly,
		TrimSupport:         d.opts.TrimSupport,
		WithinVolumeManager: d.opts.WithinVolumeManager,
	}, nil
}

func (d *Device) check(op backend.OpKind, off, length int64) error {
	if d.closed {
		return fmt.Errorf("mock device is closed")
	}
	if off < 0 || off+length > int64(len(d.volatile)) {
		return backend.ErrOutOfRange
	}
	if off%int64(d.opts.DeviceBlockSize) != 0 || length%int64(d.opts.DeviceBlockSize) != 0 {
		return fmt.Errorf("unaligned request at %d length %d", off, length)
	}
	if d.preOp != nil {
		if err := d.preOp(op, off, length); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(backend.OpRead, off, int64(len(p))); err != nil {
		return 0, err
	}
	d.reads++
	copy(p, d.volatile[off:])
	return len(p), nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.ReadOnly {
		return 0, backend.ErrReadOnly
	}
	if err := d.check(backend.OpWrite, off, int64(len(p))); err != nil {
		return 0, err
	}
	d.writes++
	copy(d.volatile[off:], p)
	return len(p), nil
}

func (d *Device) Trim(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opts.TrimSupport {
		return backend.ErrTrimUnsupported
	}
	if d.opts.ReadOnly {
		return backend.ErrReadOnly
	}
	if err := d.check(backend.OpTrim, off, length); err != nil {
		return err
	}
	d.trims = append(d.trims, TrimRange{off, length})
	// trimmed ranges read back as zeros
	for i := off; i < off+length; i++ {
		d.volatile[i] = 0
	}
	return nil
}

func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(backend.OpFlush, 0, 0); err != nil {
		return err
	}
	d.flushes++
	copy(d.stable, d.volatile)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Crash reverts the device to its last flushed state and reopens it,
// simulating a power cut. Injected hooks are cleared.
func (d *Device) Crash() {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.volatile, d.stable)
	d.preOp = nil
	d.closed = false
}

// Reopen clears the closed bit without touching contents, for remount
// tests after an orderly Close.
func (d *Device) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

// Trims returns the recorded trim ranges.
func (d *Device) Trims() []TrimRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TrimRange, len(d.trims))
	copy(out, d.trims)
	return out
}

// Counts returns the number of reads, writes and flushes serviced.
func (d *Device) Counts() (reads, writes, flushes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes, d.flushes
}

// SliceSize implements backend.VolumeManager.
func (d *Device) SliceSize() uint64 {
	return d.opts.SliceSize
}

// Extend implements backend.VolumeManager.
func (d *Device) Extend(byteCount uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opts.WithinVolumeManager {
		return fmt.Errorf("device is not inside a volume manager")
	}
	grow := (byteCount + d.opts.SliceSize - 1) / d.opts.SliceSize * d.opts.SliceSize
	newSize := uint64(len(d.volatile)) + grow
	if d.opts.MaxSize != 0 && newSize > d.opts.MaxSize {
		return fmt.Errorf("volume manager out of slices")
	}
	nv := make([]byte, newSize)
	copy(nv, d.volatile)
	ns := make([]byte, newSize)
	copy(ns, d.stable)
	d.volatile, d.stable = nv, ns
	return nil
}

var (
	_ backend.Device        = (*Device)(nil)
	_ backend.VolumeManager = (*Device)(nil)
)
