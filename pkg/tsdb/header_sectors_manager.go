package tsdb

import (
	"math"
	"sync"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/clock"
	"github.com/buildbarn/bb-tsdb/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	headerSectorsManagerPrometheusMetrics sync.Once

	headerSectorsManagerHealedSectors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "tsdb",
			Name:      "header_sectors_manager_healed_sectors_total",
			Help:      "Number of header sectors that failed CRC verification during recovery and were cleared",
		})
	headerSectorsManagerSyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "tsdb",
			Name:      "header_sectors_manager_syncs_total",
			Help:      "Number of times a header sector was written back to the device",
		})
)

// HeaderSectorsManager owns the header sectors of one partition. It
// allocates entry slots and data sector ranges, persists entry
// metadata, and reconstructs the next write position and the iteration
// starting point from on-disk state when opened.
//
// Only one header sector is cached in memory at a time. The cached
// sector is the one that receives new entries; every other sector is
// only touched when the slot pointer wraps into it or when entries are
// enumerated.
type HeaderSectorsManager struct {
	device          blockdevice.SectorDevice
	errorLogger     util.ErrorLogger
	clock           clock.Clock
	beginSectorAddr uint32
	nHeaderSectors  uint32
	nDataSectors    uint32

	currentHeaderSector     HeaderSector
	currentHeaderSectorIdx  uint32
	currentSlotIdx          uint32
	currentDataSectorOffset uint32
	previousTimestamp       uint64
}

// NewHeaderSectorsManager creates a manager for the header sectors
// stored at [beginSectorAddr, beginSectorAddr+nHeaderSectors) and the
// data sectors following them, and runs recovery: header sectors with
// an invalid CRC are cleared (reported through the error logger, not
// returned as an error), and the slot and data cursors are
// reconstructed from the surviving entries.
func NewHeaderSectorsManager(device blockdevice.SectorDevice, errorLogger util.ErrorLogger, clk clock.Clock, beginSectorAddr, nHeaderSectors, nTotalSectors uint32) (*HeaderSectorsManager, error) {
	headerSectorsManagerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(headerSectorsManagerHealedSectors)
		prometheus.MustRegister(headerSectorsManagerSyncs)
	})

	if nHeaderSectors == 0 || nHeaderSectors >= nTotalSectors {
		return nil, status.Errorf(codes.InvalidArgument, "Cannot place %d header sectors in a partition of %d sectors", nHeaderSectors, nTotalSectors)
	}
	hm := &HeaderSectorsManager{
		device:          device,
		errorLogger:     errorLogger,
		clock:           clk,
		beginSectorAddr: beginSectorAddr,
		nHeaderSectors:  nHeaderSectors,
		nDataSectors:    nTotalSectors - nHeaderSectors,
	}
	if err := hm.init(); err != nil {
		return nil, err
	}
	return hm, nil
}

func (hm *HeaderSectorsManager) loadHeaderSector(sectorIdx uint32) error {
	var buf [blockdevice.SectorSizeBytes]byte
	if err := hm.device.ReadSectors(buf[:], hm.beginSectorAddr+sectorIdx, 1); err != nil {
		return util.StatusWrapf(err, "Failed to load header sector %d", sectorIdx)
	}
	hm.currentHeaderSectorIdx = sectorIdx
	if !hm.currentHeaderSector.UnmarshalSector(buf[:]) {
		return status.Errorf(codes.DataLoss, "Header sector %d failed checksum verification", sectorIdx)
	}
	return nil
}

// SyncCurrentSector writes the cached header sector back to the
// device, bumping its write counter and recomputing its CRC. The
// sector is one device sector large, so the write is atomic on media
// that write whole sectors atomically.
func (hm *HeaderSectorsManager) SyncCurrentSector() error {
	hm.currentHeaderSector.WriteCount++
	hm.currentHeaderSector.LastUpdateTimestamp = uint32(hm.clock.Now().Unix())
	var buf [blockdevice.SectorSizeBytes]byte
	hm.currentHeaderSector.MarshalSector(buf[:])
	if err := hm.device.WriteSectors(buf[:], hm.beginSectorAddr+hm.currentHeaderSectorIdx, 1); err != nil {
		return util.StatusWrapf(err, "Failed to sync header sector %d", hm.currentHeaderSectorIdx)
	}
	headerSectorsManagerSyncs.Inc()
	return nil
}

func (hm *HeaderSectorsManager) init() error {
	// Verify the CRC of each header sector. A sector that fails
	// verification is assumed to be the victim of a torn write and
	// is cleared, so that its slots can be reused. This is healing,
	// not failure: the records described by the sector are lost
	// either way.
	for i := uint32(0); i < hm.nHeaderSectors; i++ {
		if err := hm.loadHeaderSector(i); err != nil {
			if status.Code(err) != codes.DataLoss {
				return err
			}
			hm.errorLogger.Log(util.StatusWrapf(err, "Clearing header sector %d at sector address %d", i, hm.beginSectorAddr+i))
			hm.currentHeaderSector.Clear(true)
			hm.currentHeaderSector.InitCount++
			if err := hm.SyncCurrentSector(); err != nil {
				return err
			}
			headerSectorsManagerHealedSectors.Inc()
		}
	}

	// Walk the header sectors in order, looking for the first one
	// that still has a usable slot. Along the way, accumulate the
	// data sector offset past the last entry of every fully used
	// sector, so that a free slot at index zero continues where the
	// preceding sector left off.
	leastTimestamp := uint64(math.MaxUint64)
	leastTimestampSector := -1
	for i := uint32(0); i < hm.nHeaderSectors; i++ {
		if err := hm.loadHeaderSector(i); err != nil {
			return err
		}
		slot := hm.currentHeaderSector.FindEmptySlot()
		if slot == -1 {
			hm.currentDataSectorOffset = hm.currentHeaderSector.Entries[EntriesPerHeaderSector-1].EndSectorOffset() + 1
			if ts := hm.currentHeaderSector.Entries[0].Timestamp; ts < leastTimestamp {
				leastTimestamp = ts
				leastTimestampSector = int(i)
			}
			continue
		}
		if slot != 0 {
			hm.currentDataSectorOffset = hm.currentHeaderSector.Entries[slot-1].EndSectorOffset() + 1
		}
		hm.currentSlotIdx = uint32(slot)
		return nil
	}

	// Every header sector is fully used and internally monotonic:
	// the previous shutdown happened exactly at a sector boundary.
	// The next write belongs at slot zero of the sector holding the
	// oldest records, and the data cursor continues after the last
	// entry of the sector preceding it.
	previousSector := uint32(leastTimestampSector) - 1
	if leastTimestampSector == 0 {
		previousSector = hm.nHeaderSectors - 1
	}
	if err := hm.loadHeaderSector(previousSector); err != nil {
		return err
	}
	lastEntry := &hm.currentHeaderSector.Entries[EntriesPerHeaderSector-1]
	hm.currentDataSectorOffset = lastEntry.BeginSectorOffset + blockdevice.MinSectorForSize(lastEntry.SizeBytes)

	if err := hm.loadHeaderSector(uint32(leastTimestampSector)); err != nil {
		return err
	}
	hm.currentSlotIdx = 0
	return nil
}

// AddLogPartial allocates the current slot for a record of the given
// size without filling in its checksum. A pointer to the slot is
// returned, so that the caller can store the checksum once the data
// has been written, and must be followed by a call to AdvanceSlot().
//
// A timestamp smaller than that of the previously allocated entry is
// bumped to one past it. Slot-level timestamp monotonicity is what
// recovery and enumeration use to locate the wraparound seam, so it
// must hold within a single run regardless of what the caller
// supplies.
func (hm *HeaderSectorsManager) AddLogPartial(sizeBytes uint32, timestamp uint64, attr uint32) (*LogEntry, error) {
	if timestamp < hm.previousTimestamp {
		timestamp = hm.previousTimestamp + 1
	}
	hm.previousTimestamp = timestamp

	if sizeBytes == 0 {
		return nil, status.Error(codes.InvalidArgument, "Records must hold at least one byte of data")
	}
	requiredSectors := blockdevice.MinSectorForSize(sizeBytes)
	if requiredSectors > hm.nDataSectors {
		return nil, status.Errorf(codes.InvalidArgument, "Record of %d bytes does not fit in a data area of %d sectors", sizeBytes, hm.nDataSectors)
	}
	if requiredSectors > hm.nDataSectors-hm.currentDataSectorOffset {
		// No space at the tail of the data area; wrap around to
		// the head.
		hm.currentDataSectorOffset = 0
	}

	entry := &hm.currentHeaderSector.Entries[hm.currentSlotIdx]
	*entry = LogEntry{
		Timestamp:         timestamp,
		Checksum:          0,
		BeginSectorOffset: hm.currentDataSectorOffset,
		SizeBytes:         sizeBytes,
		Attr:              attr,
	}
	hm.currentDataSectorOffset += requiredSectors
	return entry, nil
}

// AddLog allocates the current slot for a record whose checksum is
// already known and advances to the next slot. It returns the first
// data sector of the record, relative to the first data sector of the
// partition.
func (hm *HeaderSectorsManager) AddLog(sizeBytes, recordChecksum uint32, timestamp uint64, attr uint32) (uint32, error) {
	entry, err := hm.AddLogPartial(sizeBytes, timestamp, attr)
	if err != nil {
		return 0, err
	}
	entry.Checksum = recordChecksum
	// Copy the offset out before AdvanceSlot() repositions the
	// slot pointer.
	beginSectorOffset := entry.BeginSectorOffset
	if err := hm.AdvanceSlot(); err != nil {
		return 0, err
	}
	return beginSectorOffset, nil
}

// AdvanceSlot moves the slot pointer past the entry most recently
// filled in. Stepping past the final slot of the cached sector syncs
// it and loads the next header sector, wrapping around at the end.
func (hm *HeaderSectorsManager) AdvanceSlot() error {
	hm.currentSlotIdx++
	if hm.currentSlotIdx >= EntriesPerHeaderSector {
		if err := hm.SyncCurrentSector(); err != nil {
			return err
		}
		if err := hm.loadHeaderSector((hm.currentHeaderSectorIdx + 1) % hm.nHeaderSectors); err != nil {
			return err
		}
		hm.currentSlotIdx = 0
	}
	return nil
}

// SectorAddressRelativeToAbsolute translates a sector offset relative
// to the first data sector of the partition into an absolute device
// sector address.
func (hm *HeaderSectorsManager) SectorAddressRelativeToAbsolute(relative uint32) uint32 {
	return relative + hm.nHeaderSectors + hm.beginSectorAddr
}

// previousLogEntry steps the enumeration cursor one slot backward.
// Stepping back from slot zero loads the previous header sector into
// the scratch copy, wrapping around from sector zero to the last
// header sector. No validity check is performed on the entry.
func (hm *HeaderSectorsManager) previousLogEntry(scratch *HeaderSector, sectorIdx, slotIdx *uint32) (*LogEntry, error) {
	if *slotIdx == 0 {
		if hm.nHeaderSectors == 1 {
			// Single header sector: wrap within the scratch
			// copy without reloading.
			*slotIdx = EntriesPerHeaderSector - 1
			return &scratch.Entries[*slotIdx], nil
		}
		if *sectorIdx == 0 {
			*sectorIdx = hm.nHeaderSectors - 1
		} else {
			*sectorIdx--
		}
		var buf [blockdevice.SectorSizeBytes]byte
		if err := hm.device.ReadSectors(buf[:], hm.beginSectorAddr+*sectorIdx, 1); err != nil {
			return nil, util.StatusWrapf(err, "Failed to load header sector %d", *sectorIdx)
		}
		scratch.UnmarshalSector(buf[:])
		*slotIdx = EntriesPerHeaderSector - 1
		return &scratch.Entries[*slotIdx], nil
	}
	*slotIdx--
	return &scratch.Entries[*slotIdx], nil
}

// GetEntries returns the entries currently visible in the log, newest
// first (or oldest first if descending is false). The after and before
// timestamps restrict the result to after <= timestamp < before;
// either bound may be zero to disable it.
//
// The cached header sector is synced first, so that the walk observes
// a single consistent snapshot even for the slots that were filled in
// since the last sync.
func (hm *HeaderSectorsManager) GetEntries(descending bool, after, before uint64) ([]LogEntry, error) {
	if err := hm.SyncCurrentSector(); err != nil {
		return nil, err
	}

	scratch := hm.currentHeaderSector
	sectorIdx := hm.currentHeaderSectorIdx
	slotIdx := hm.currentSlotIdx

	inWindow := func(ts uint64) bool {
		return (before == 0 || ts < before) && (after == 0 || ts >= after)
	}

	// Walking backward from the current slot, the first step lands
	// on the most recently written entry. That entry anchors the
	// data-overlap check below: once an older entry's data range
	// covers the anchor's final sector, the older record (and
	// everything before it) has been overwritten in the data area.
	last, err := hm.previousLogEntry(&scratch, &sectorIdx, &slotIdx)
	if err != nil {
		return nil, err
	}
	lastEnd := last.EndSectorOffset()

	var entries []LogEntry
	if last.Timestamp != 0 && inWindow(last.Timestamp) {
		entries = append(entries, *last)
	}

	// The termination rules below bound the walk in every state the
	// writer can produce, but a ring whose timestamps are all equal
	// never trips the monotonicity rule. Capping the walk at one
	// full trip around the ring keeps enumeration finite even then.
	decreasingTimestamp := uint64(math.MaxUint64)
	for steps := uint32(1); steps < hm.nHeaderSectors*EntriesPerHeaderSector; steps++ {
		prev, err := hm.previousLogEntry(&scratch, &sectorIdx, &slotIdx)
		if err != nil {
			return nil, err
		}
		// An unused slot: the log never wrapped past this point.
		if prev.Timestamp == 0 {
			break
		}
		// Monotonicity broke: this entry is newer than the one
		// stepped over before it, so the walk has crossed the
		// wraparound seam.
		if prev.Timestamp > decreasingTimestamp {
			break
		}
		decreasingTimestamp = prev.Timestamp

		if !inWindow(prev.Timestamp) {
			continue
		}
		// The data sectors of this entry have been reclaimed by
		// the newest record; anything older is stale as well.
		if prev.BeginSectorOffset <= lastEnd && prev.EndSectorOffset() >= lastEnd {
			break
		}
		entries = append(entries, *prev)
	}

	if !descending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// Clear erases all entries from every header sector and resets the
// slot, data and timestamp cursors to their initial state.
func (hm *HeaderSectorsManager) Clear() error {
	for i := uint32(0); i < hm.nHeaderSectors; i++ {
		if err := hm.loadHeaderSector(i); err != nil {
			return err
		}
		hm.currentHeaderSector.Clear(true)
		if err := hm.SyncCurrentSector(); err != nil {
			return err
		}
	}

	if err := hm.loadHeaderSector(0); err != nil {
		return err
	}
	hm.currentSlotIdx = 0
	hm.currentDataSectorOffset = 0
	hm.previousTimestamp = 0
	return nil
}
