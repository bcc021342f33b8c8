package tsdb

import (
	"encoding/binary"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
)

// LogEntrySizeBytes is the on-disk size of a single LogEntry.
const LogEntrySizeBytes = 24

// LogEntry describes one record stored in the data area of a
// partition. Its on-disk representation is 24 bytes, little-endian,
// without padding:
//
//	timestamp[8] | checksum[4] | begin_sector_offset[4] | size[4] | attr[4]
//
// Timestamps are 64 bits wide. The recovery and enumeration logic
// compares them as unsigned 64-bit integers, and a 32-bit seconds
// counter would saturate in 2106.
//
// A slot whose timestamp is zero has never been written. Slot search
// and enumeration look at the timestamp alone; AddLogPartial rejects
// zero sizes, so a written slot always has a nonzero size.
type LogEntry struct {
	// Seconds since the Unix epoch, or a caller-chosen logical
	// counter. Zero means the slot is unused.
	Timestamp uint64
	// CRC-32 over the record's payload bytes.
	Checksum uint32
	// First sector holding the record's data, relative to the first
	// data sector of the partition.
	BeginSectorOffset uint32
	// Payload size in bytes.
	SizeBytes uint32
	// Opaque attribute word supplied by the caller.
	Attr uint32
}

// EndSectorOffset returns the last data sector occupied by the entry's
// payload, relative to the first data sector of the partition.
func (e *LogEntry) EndSectorOffset() uint32 {
	return e.BeginSectorOffset + blockdevice.MinSectorForSize(e.SizeBytes) - 1
}

func (e *LogEntry) marshalTo(p []byte) {
	binary.LittleEndian.PutUint64(p[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(p[8:], e.Checksum)
	binary.LittleEndian.PutUint32(p[12:], e.BeginSectorOffset)
	binary.LittleEndian.PutUint32(p[16:], e.SizeBytes)
	binary.LittleEndian.PutUint32(p[20:], e.Attr)
}

func (e *LogEntry) unmarshalFrom(p []byte) {
	e.Timestamp = binary.LittleEndian.Uint64(p[0:])
	e.Checksum = binary.LittleEndian.Uint32(p[8:])
	e.BeginSectorOffset = binary.LittleEndian.Uint32(p[12:])
	e.SizeBytes = binary.LittleEndian.Uint32(p[16:])
	e.Attr = binary.LittleEndian.Uint32(p[20:])
}
