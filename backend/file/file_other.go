//go:build !linux

package file

import (
	"os"

	"github.com/diskfs/go-blobstore/backend"
)

const trimFileSupported = false

// deviceSize falls back to the stat size on platforms without a device
// size ioctl wired up.
func deviceSize(f *os.File) (size int64, blockSize uint32, err error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	return fi.Size(), 0, nil
}

func trim(_ *os.File, _ bool, _, _ int64) error {
	return backend.ErrTrimUnsupported
}
