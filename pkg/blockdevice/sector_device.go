package blockdevice

import (
	"github.com/buildbarn/bb-tsdb/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SectorSizeBytes is the smallest unit of storage that SectorDevice
// implementations can address. All on-disk data structures in this
// repository are laid out in multiples of it.
const SectorSizeBytes = 512

// MinSectorForSize returns the number of sectors needed to hold a
// payload of the given size. Zero-size payloads still occupy one
// sector.
func MinSectorForSize(sizeBytes uint32) uint32 {
	if sizeBytes <= SectorSizeBytes {
		return 1
	}
	return (sizeBytes + SectorSizeBytes - 1) / SectorSizeBytes
}

// SectorDevice provides sector-granular access to a region of storage.
// Reads and writes always transfer whole sectors. Accesses to sectors
// at or beyond SectorCount() fail; they are never truncated.
//
// Implementations must permit reads and writes of disjoint sector
// ranges to proceed in parallel. Series instances operating on
// disjoint partitions of the same device rely on this.
type SectorDevice interface {
	ReadSectors(p []byte, beginSector, nSectors uint32) error
	WriteSectors(p []byte, beginSector, nSectors uint32) error
	SectorCount() uint32
}

type blockDeviceSectorDevice struct {
	blockDevice BlockDevice
	sectorCount uint32
}

// NewSectorDeviceFromBlockDevice creates a SectorDevice that performs
// sector-granular I/O against a byte-addressed BlockDevice, bounds
// checking every access against the given sector count.
func NewSectorDeviceFromBlockDevice(blockDevice BlockDevice, sectorCount uint32) SectorDevice {
	return &blockDeviceSectorDevice{
		blockDevice: blockDevice,
		sectorCount: sectorCount,
	}
}

func (d *blockDeviceSectorDevice) checkRange(beginSector, nSectors uint32) error {
	if uint64(beginSector)+uint64(nSectors) > uint64(d.sectorCount) {
		return status.Errorf(codes.OutOfRange, "Sectors [%d, %d) lie beyond the end of a device of %d sectors", beginSector, beginSector+nSectors, d.sectorCount)
	}
	return nil
}

func (d *blockDeviceSectorDevice) ReadSectors(p []byte, beginSector, nSectors uint32) error {
	if err := d.checkRange(beginSector, nSectors); err != nil {
		return err
	}
	sizeBytes := int(nSectors) * SectorSizeBytes
	if _, err := d.blockDevice.ReadAt(p[:sizeBytes], int64(beginSector)*SectorSizeBytes); err != nil {
		// Errors coming out of the block device are plain OS
		// errors; report them as infrastructure failures.
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to read %d sectors at sector %d", nSectors, beginSector)
	}
	return nil
}

func (d *blockDeviceSectorDevice) WriteSectors(p []byte, beginSector, nSectors uint32) error {
	if err := d.checkRange(beginSector, nSectors); err != nil {
		return err
	}
	sizeBytes := int(nSectors) * SectorSizeBytes
	if _, err := d.blockDevice.WriteAt(p[:sizeBytes], int64(beginSector)*SectorSizeBytes); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write %d sectors at sector %d", nSectors, beginSector)
	}
	return nil
}

func (d *blockDeviceSectorDevice) SectorCount() uint32 {
	return d.sectorCount
}
