package blockdevice

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type writeConcurrencyLimitingSectorDevice struct {
	SectorDevice
	semaphore *semaphore.Weighted
}

// NewWriteConcurrencyLimitingSectorDevice is a decorator for
// SectorDevice that limits the number of calls to WriteSectors() that
// may run in parallel. This can be used to prevent exhaustion of
// operating system level threads when many series on the same device
// flush large records at once.
func NewWriteConcurrencyLimitingSectorDevice(base SectorDevice, semaphore *semaphore.Weighted) SectorDevice {
	return &writeConcurrencyLimitingSectorDevice{
		SectorDevice: base,
		semaphore:    semaphore,
	}
}

func (d *writeConcurrencyLimitingSectorDevice) WriteSectors(p []byte, beginSector, nSectors uint32) error {
	if err := d.semaphore.Acquire(context.Background(), 1); err != nil {
		panic("acquiring semaphore with background context should never fail")
	}
	defer d.semaphore.Release(1)

	return d.SectorDevice.WriteSectors(p, beginSector, nSectors)
}
