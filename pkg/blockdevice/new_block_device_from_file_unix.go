//go:build darwin || freebsd || linux
// +build darwin freebsd linux

package blockdevice

import (
	"io"
	"syscall"

	"github.com/buildbarn/bb-tsdb/pkg/util"

	"golang.org/x/sys/unix"
)

type memoryMappedBlockDevice struct {
	fd   int
	data []byte
}

// NewBlockDeviceFromFile creates a BlockDevice that is backed by a
// regular file stored in a file system, truncated to a whole number of
// 512-byte sectors. To speed up reads, a memory map is used; writes go
// through the file descriptor.
//
// This approach tends to have more overhead than using a raw disk or
// flash partition, but is often easier to set up in environments where
// spare devices (or the privileges needed to access those) aren't
// readily available.
func NewBlockDeviceFromFile(path string, minimumSizeBytes int64, zeroInitialize bool) (BlockDevice, uint32, error) {
	flags := unix.O_CREAT | unix.O_RDWR
	if zeroInitialize {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0o666)
	if err != nil {
		return nil, 0, util.StatusWrapf(err, "Failed to open file %#v", path)
	}

	sectorCount := uint32((minimumSizeBytes + SectorSizeBytes - 1) / SectorSizeBytes)
	sizeBytes := int64(sectorCount) * SectorSizeBytes
	if err := unix.Ftruncate(fd, sizeBytes); err != nil {
		unix.Close(fd)
		return nil, 0, util.StatusWrapf(err, "Failed to truncate file %#v to %d bytes", path, sizeBytes)
	}

	data, err := unix.Mmap(fd, 0, int(sizeBytes), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, 0, util.StatusWrapf(err, "Failed to memory map file %#v", path)
	}
	return &memoryMappedBlockDevice{
		fd:   fd,
		data: data,
	}, sectorCount, nil
}

func (bd *memoryMappedBlockDevice) ReadAt(p []byte, off int64) (int, error) {
	// Let read actions go through the memory map to prevent system
	// call overhead for commonly requested sectors.
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off > int64(len(bd.data)) {
		return 0, io.EOF
	}
	n := copy(p, bd.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (bd *memoryMappedBlockDevice) WriteAt(p []byte, off int64) (int, error) {
	// Let write actions go through the file descriptor. Doing so
	// yields better performance, as writes through a memory map
	// would trigger a page fault that causes data to be read.
	return unix.Pwrite(bd.fd, p, off)
}

func (bd *memoryMappedBlockDevice) Sync() error {
	return unix.Fsync(bd.fd)
}
