package tsdb

import (
	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/checksum"
	"github.com/buildbarn/bb-tsdb/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InsertTransaction is a streaming write session bound to a single
// pre-reserved entry slot. It owns the series lock from the moment it
// is created until it is finalized, which is what makes writing a
// record in multiple chunks safe.
type InsertTransaction struct {
	series         *Series
	entry          *LogEntry
	crc            checksum.Checksum32
	writeSectorIdx uint32
	writtenBytes   uint32
	finalized      bool
}

// Write appends a chunk of the record's data. Chunks must be a
// multiple of the sector size, except for the final chunk, which may
// be exactly the record's trailing bytes. Writing the last byte of the
// reserved size finalizes the transaction implicitly.
func (t *InsertTransaction) Write(p []byte) error {
	if t.finalized {
		return status.Error(codes.FailedPrecondition, "Transaction has already been finalized")
	}
	chunkSizeBytes := uint32(len(p))
	if chunkSizeBytes == 0 {
		return nil
	}
	if t.writtenBytes+chunkSizeBytes > t.entry.SizeBytes {
		return status.Errorf(codes.InvalidArgument, "Write of %d bytes overflows the %d bytes reserved for the record", chunkSizeBytes, t.entry.SizeBytes)
	}
	if chunkSizeBytes%blockdevice.SectorSizeBytes != 0 && t.writtenBytes+chunkSizeBytes != t.entry.SizeBytes {
		return status.Errorf(codes.InvalidArgument, "Chunk of %d bytes is not a multiple of the sector size", chunkSizeBytes)
	}

	t.crc.Update(p)
	sectorAddr := t.series.headerSectorsManager.SectorAddressRelativeToAbsolute(t.entry.BeginSectorOffset) + t.writeSectorIdx
	if err := blockdevice.WriteBytesToSectors(t.series.device, p, sectorAddr); err != nil {
		return util.StatusWrap(err, "Failed to write record data")
	}
	t.writeSectorIdx += blockdevice.MinSectorForSize(chunkSizeBytes)
	t.writtenBytes += chunkSizeBytes

	if t.writtenBytes == t.entry.SizeBytes {
		return t.Finalize()
	}
	return nil
}

// Finalize stores the accumulated checksum into the reserved slot,
// advances the slot pointer and releases the series lock. It is
// idempotent, so that callers can run it unconditionally (e.g. through
// defer) on every exit path.
func (t *InsertTransaction) Finalize() error {
	if t.finalized {
		return nil
	}
	t.finalized = true
	t.entry.Checksum = t.crc.Sum32()
	err := t.series.headerSectorsManager.AdvanceSlot()
	if err == nil {
		seriesInsertsCompleted.Inc()
	}
	t.series.lock.Unlock()
	return err
}

// IsFinalized reports whether the transaction has been finalized.
func (t *InsertTransaction) IsFinalized() bool {
	return t.finalized
}
