package tsdb

import (
	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Partition is a contiguous range of sectors on a device that is
// exclusively owned by a single Series. Multiple Series instances may
// share one device, as long as their partitions are disjoint.
type Partition struct {
	BeginSectorAddress uint32
	SectorCount        uint32
}

// NewPartition creates a partition covering sectorCount sectors
// starting at beginSectorAddress. At least two sectors are required:
// one header sector and one data sector.
func NewPartition(beginSectorAddress, sectorCount uint32) (Partition, error) {
	if sectorCount < 2 {
		return Partition{}, status.Errorf(codes.InvalidArgument, "Partition of %d sectors cannot hold both header and data sectors", sectorCount)
	}
	return Partition{
		BeginSectorAddress: beginSectorAddress,
		SectorCount:        sectorCount,
	}, nil
}

// NewPartitionFromSectorRange creates a partition covering the
// half-open sector range [beginSectorAddress, endSectorAddress).
func NewPartitionFromSectorRange(beginSectorAddress, endSectorAddress uint32) (Partition, error) {
	if endSectorAddress <= beginSectorAddress {
		return Partition{}, status.Errorf(codes.InvalidArgument, "Sector range [%d, %d) is empty", beginSectorAddress, endSectorAddress)
	}
	return NewPartition(beginSectorAddress, endSectorAddress-beginSectorAddress)
}

// NewPartitionFromSizeBytes creates a partition of the given size,
// which must be a multiple of the sector size.
func NewPartitionFromSizeBytes(beginSectorAddress uint32, sizeBytes uint64) (Partition, error) {
	if sizeBytes%blockdevice.SectorSizeBytes != 0 {
		return Partition{}, status.Errorf(codes.InvalidArgument, "Partition size of %d bytes is not a multiple of the sector size", sizeBytes)
	}
	return NewPartition(beginSectorAddress, uint32(sizeBytes/blockdevice.SectorSizeBytes))
}
