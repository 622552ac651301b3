package file

import (
	"errors"
	"fmt"
	"os"

	"github.com/diskfs/go-blobstore/backend"
)

const defaultDeviceBlockSize = 512

// Backend is a backend.Device over a regular file or a raw block device.
type Backend struct {
	f               *os.File
	size            int64
	deviceBlockSize uint32
	readOnly        bool
	isBlockDevice   bool
}

// New wraps an already-open file. The size is probed from the file; for a
// raw block device the platform ioctl path is used where available.
func New(f *os.File, readOnly bool) (*Backend, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat backing file: %w", err)
	}
	b := &Backend{
		f:               f,
		size:            fi.Size(),
		deviceBlockSize: defaultDeviceBlockSize,
		readOnly:        readOnly,
	}
	if fi.Mode()&os.ModeDevice != 0 {
		b.isBlockDevice = true
		size, blockSize, err := deviceSize(f)
		if err != nil {
			return nil, fmt.Errorf("could not probe device %s: %w", f.Name(), err)
		}
		b.size = size
		if blockSize > 0 {
			b.deviceBlockSize = blockSize
		}
	}
	if b.size <= 0 {
		return nil, backend.ErrNotSuitable
	}
	return b, nil
}

// OpenFromPath opens a path to a device, e.g. /dev/sda, or to an image
// file. The path must exist.
func OpenFromPath(pathName string, readOnly bool) (*Backend, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist", pathName)
	}
	openMode := os.O_RDONLY
	if !readOnly {
		openMode = os.O_RDWR | os.O_EXCL
	}
	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", pathName, err)
	}
	return New(f, readOnly)
}

// CreateFromPath creates an image file of the given size. The file must not
// already exist.
func CreateFromPath(pathName string, size int64) (*Backend, error) {
	if pathName == "" {
		return nil, errors.New("must pass device name")
	}
	if size <= 0 {
		return nil, errors.New("must pass valid device size to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %w", pathName, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not expand device %s to size %d: %w", pathName, size, err)
	}
	return New(f, false)
}

func (b *Backend) Info() (backend.Info, error) {
	return backend.Info{
		DeviceBlockSize: b.deviceBlockSize,
		BlockCount:      uint64(b.size) / uint64(b.deviceBlockSize),
		ReadOnly:        b.readOnly,
		TrimSupport:     trimFileSupported,
	}, nil
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > b.size {
		return 0, backend.ErrOutOfRange
	}
	return b.f.ReadAt(p, off)
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	if b.readOnly {
		return 0, backend.ErrReadOnly
	}
	if off+int64(len(p)) > b.size {
		return 0, backend.ErrOutOfRange
	}
	return b.f.WriteAt(p, off)
}

func (b *Backend) Trim(off, length int64) error {
	if b.readOnly {
		return backend.ErrReadOnly
	}
	if off+length > b.size {
		return backend.ErrOutOfRange
	}
	return trim(b.f, b.isBlockDevice, off, length)
}

func (b *Backend) Flush() error {
	return b.f.Sync()
}

func (b *Backend) Close() error {
	return b.f.Close()
}

// backend.Device interface guard
var _ backend.Device = (*Backend)(nil)
