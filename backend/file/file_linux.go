package file

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const trimFileSupported = true

// deviceSize probes a raw block device for its byte size and logical block
// size via ioctl.
func deviceSize(f *os.File) (size int64, blockSize uint32, err error) {
	fd := int(f.Fd())
	sz, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, 0, err
	}
	bsz, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return int64(sz), 0, nil
	}
	return int64(sz), uint32(bsz), nil
}

// trim discards a range: BLKDISCARD on block devices, hole punching on
// regular files.
func trim(f *os.File, isBlockDevice bool, off, length int64) error {
	fd := int(f.Fd())
	if isBlockDevice {
		rng := [2]uint64{uint64(off), uint64(length)}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKDISCARD, uintptr(unsafe.Pointer(&rng[0])))
		if errno != 0 {
			return errno
		}
		return nil
	}
	return unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}
