package tsdb

import (
	"encoding/binary"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/checksum"
)

// EntriesPerHeaderSector is the number of LogEntry slots in one header
// sector: a 16-byte bookkeeping prefix followed by 20 packed 24-byte
// entries leaves 16 bytes of zero padding in a 512-byte sector.
const EntriesPerHeaderSector = (blockdevice.SectorSizeBytes - headerSectorEntriesOffsetBytes) / LogEntrySizeBytes

// headerSectorEntriesOffsetBytes is where the entries array starts:
// crc[4] | last_update_timestamp[4] | init_count[4] | write_count[4].
const headerSectorEntriesOffsetBytes = 16

// HeaderSector is the in-memory representation of one metadata sector.
// The stored CRC is not kept here; it is recomputed on marshal and
// verified on unmarshal. It covers every byte after the bookkeeping
// prefix (the entries array and the padding), so bumping WriteCount
// alone does not invalidate a previously written sector.
type HeaderSector struct {
	LastUpdateTimestamp uint32
	InitCount           uint32
	WriteCount          uint32
	Entries             [EntriesPerHeaderSector]LogEntry
}

// MarshalSector encodes the header sector into p, which must be at
// least one sector large, computing a fresh CRC.
func (hs *HeaderSector) MarshalSector(p []byte) {
	for i := headerSectorEntriesOffsetBytes; i < blockdevice.SectorSizeBytes; i++ {
		p[i] = 0
	}
	binary.LittleEndian.PutUint32(p[4:], hs.LastUpdateTimestamp)
	binary.LittleEndian.PutUint32(p[8:], hs.InitCount)
	binary.LittleEndian.PutUint32(p[12:], hs.WriteCount)
	for i := range hs.Entries {
		hs.Entries[i].marshalTo(p[headerSectorEntriesOffsetBytes+i*LogEntrySizeBytes:])
	}
	binary.LittleEndian.PutUint32(p[0:], checksum.CRC32Of(p[headerSectorEntriesOffsetBytes:blockdevice.SectorSizeBytes]))
}

// UnmarshalSector decodes the header sector from p and reports whether
// the stored CRC matches the contents.
func (hs *HeaderSector) UnmarshalSector(p []byte) bool {
	hs.LastUpdateTimestamp = binary.LittleEndian.Uint32(p[4:])
	hs.InitCount = binary.LittleEndian.Uint32(p[8:])
	hs.WriteCount = binary.LittleEndian.Uint32(p[12:])
	for i := range hs.Entries {
		hs.Entries[i].unmarshalFrom(p[headerSectorEntriesOffsetBytes+i*LogEntrySizeBytes:])
	}
	return binary.LittleEndian.Uint32(p[0:]) ==
		checksum.CRC32Of(p[headerSectorEntriesOffsetBytes:blockdevice.SectorSizeBytes])
}

// FindEmptySlot returns the index of the slot the next entry should be
// written to. It returns the first slot that was never used (zero
// timestamp), or the first slot whose timestamp is not strictly
// greater than that of any slot before it: such a slot is stale, left
// over from a previous trip around the ring. If all slots are used and
// their timestamps increase monotonically, the sector is full and -1
// is returned.
func (hs *HeaderSector) FindEmptySlot() int {
	greatestTimestamp := uint64(0)
	for i := range hs.Entries {
		ts := hs.Entries[i].Timestamp
		if ts == 0 {
			return i
		}
		if ts > greatestTimestamp {
			greatestTimestamp = ts
		} else {
			return i
		}
	}
	return -1
}

// Clear erases all entries. If clearStats is set, the init and write
// counters are reset as well.
func (hs *HeaderSector) Clear(clearStats bool) {
	if clearStats {
		hs.InitCount = 0
		hs.WriteCount = 0
	}
	hs.Entries = [EntriesPerHeaderSector]LogEntry{}
}
