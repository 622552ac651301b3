package backend

import (
	"errors"
)

var (
	ErrReadOnly        = errors.New("device not open for write")
	ErrTrimUnsupported = errors.New("device does not support trim")
	ErrOutOfRange      = errors.New("request beyond end of device")
	ErrNotSuitable     = errors.New("backing file is not suitable")
)

// Info describes a block device. All sizes are in bytes.
type Info struct {
	// DeviceBlockSize is the native block size of the device. All request
	// offsets and lengths must be multiples of it.
	DeviceBlockSize uint32
	// BlockCount is the number of native blocks on the device.
	BlockCount uint64
	// MaxTransferSize is the largest single read or write the device will
	// accept, or 0 for no limit.
	MaxTransferSize uint32
	ReadOnly        bool
	TrimSupport     bool
	// WithinVolumeManager reports whether the device is a slice of a
	// growable volume manager, in which case it may be extended.
	WithinVolumeManager bool
}

// OpKind is the kind of a batched device request.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpTrim
	OpFlush
)

// Request is one operation in a Transact batch. Buf is unused for trim
// and flush; Length is in bytes and must cover whole device blocks.
type Request struct {
	Op           OpKind
	Buf          []byte
	DeviceOffset int64
	Length       int64
}

// Device is the block-device boundary the store is built on. Offsets and
// lengths are byte counts aligned to DeviceBlockSize.
type Device interface {
	Info() (Info, error)
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	// Trim tells the device the given range no longer holds useful data.
	// Returns ErrTrimUnsupported when the device cannot honor it.
	Trim(off, length int64) error
	// Flush is a write barrier: it returns once every preceding write is
	// durable.
	Flush() error
	Close() error
}

// VolumeManager is implemented by devices hosted inside a growable volume.
type VolumeManager interface {
	// SliceSize returns the growth granularity in bytes.
	SliceSize() uint64
	// Extend grows the device by at least byteCount bytes, rounded up to
	// the slice size. The new size is visible through Info afterwards.
	Extend(byteCount uint64) error
}

// Transactor is an optional Device extension for batched submission.
type Transactor interface {
	Transact(reqs []Request) error
}

// Transact runs a batch of requests against dev in order. Devices with a
// native batch path implement Transactor to override the loop.
func Transact(dev Device, reqs []Request) error {
	if t, ok := dev.(Transactor); ok {
		return t.Transact(reqs)
	}
	for i := range reqs {
		var err error
		switch reqs[i].Op {
		case OpRead:
			_, err = dev.ReadAt(reqs[i].Buf, reqs[i].DeviceOffset)
		case OpWrite:
			_, err = dev.WriteAt(reqs[i].Buf, reqs[i].DeviceOffset)
		case OpTrim:
			err = dev.Trim(reqs[i].DeviceOffset, reqs[i].Length)
		case OpFlush:
			err = dev.Flush()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
