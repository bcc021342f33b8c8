package tsdb

import (
	"io"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/checksum"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DataLogEntry is a read cursor over the data of a single record. It
// accumulates a checksum over the bytes read so far; after reading the
// full record, callers compare it against LogEntry.Checksum to detect
// records whose data sectors were corrupted or partially written.
type DataLogEntry struct {
	// A copy of the record's descriptor.
	LogEntry LogEntry

	device              blockdevice.SectorDevice
	dataSectorBeginAddr uint32
	crc                 checksum.Checksum32
	sectorIdx           uint32
}

// Read fills p with the next chunk of the record's data and returns
// the number of bytes read. len(p) must be a multiple of the sector
// size, except that the final call may request exactly the record's
// trailing bytes. At the end of the record, Read returns 0 and io.EOF.
func (e *DataLogEntry) Read(p []byte) (int, error) {
	consumedBytes := uint64(e.sectorIdx) * blockdevice.SectorSizeBytes
	if consumedBytes >= uint64(e.LogEntry.SizeBytes) {
		return 0, io.EOF
	}
	sizeBytes := uint32(len(p))
	if remaining := e.LogEntry.SizeBytes - uint32(consumedBytes); sizeBytes > remaining {
		sizeBytes = remaining
	}
	if sizeBytes == 0 {
		return 0, io.EOF
	}
	if sizeBytes%blockdevice.SectorSizeBytes != 0 && uint64(sizeBytes)+consumedBytes != uint64(e.LogEntry.SizeBytes) {
		return 0, status.Errorf(codes.InvalidArgument, "Read of %d bytes is neither a multiple of the sector size nor the record's trailing bytes", len(p))
	}

	if err := blockdevice.ReadBytesFromSectors(e.device, p[:sizeBytes], e.dataSectorBeginAddr+e.LogEntry.BeginSectorOffset+e.sectorIdx); err != nil {
		return 0, err
	}
	e.crc.Update(p[:sizeBytes])
	e.sectorIdx += blockdevice.MinSectorForSize(sizeBytes)
	return int(sizeBytes), nil
}

// AccumulatedChecksum returns the checksum over all bytes read so far.
// After the full record has been read, it equals LogEntry.Checksum if
// and only if the data survived intact.
func (e *DataLogEntry) AccumulatedChecksum() uint32 {
	return e.crc.Sum32()
}
