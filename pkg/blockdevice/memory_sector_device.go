package blockdevice

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memorySectorDevice struct {
	lock sync.RWMutex
	data []byte
}

// NewMemorySectorDevice creates a SectorDevice that is backed by a
// slice of memory. It is mainly useful for testing and for simulating
// flash parts that are not present, but it behaves like any other
// device: data written to it survives for the lifetime of the process,
// so reopening a Series on top of it exercises the same recovery path
// as a reboot on real hardware.
func NewMemorySectorDevice(sectorCount uint32) SectorDevice {
	return &memorySectorDevice{
		data: make([]byte, int64(sectorCount)*SectorSizeBytes),
	}
}

func (d *memorySectorDevice) checkRange(beginSector, nSectors uint32) error {
	if uint64(beginSector)+uint64(nSectors) > uint64(d.SectorCount()) {
		return status.Errorf(codes.OutOfRange, "Sectors [%d, %d) lie beyond the end of a device of %d sectors", beginSector, beginSector+nSectors, d.SectorCount())
	}
	return nil
}

func (d *memorySectorDevice) ReadSectors(p []byte, beginSector, nSectors uint32) error {
	if err := d.checkRange(beginSector, nSectors); err != nil {
		return err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	offset := int64(beginSector) * SectorSizeBytes
	copy(p, d.data[offset:offset+int64(nSectors)*SectorSizeBytes])
	return nil
}

func (d *memorySectorDevice) WriteSectors(p []byte, beginSector, nSectors uint32) error {
	if err := d.checkRange(beginSector, nSectors); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	offset := int64(beginSector) * SectorSizeBytes
	copy(d.data[offset:offset+int64(nSectors)*SectorSizeBytes], p)
	return nil
}

func (d *memorySectorDevice) SectorCount() uint32 {
	return uint32(len(d.data) / SectorSizeBytes)
}
