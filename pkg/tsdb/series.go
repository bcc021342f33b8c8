package tsdb

import (
	"sync"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/checksum"
	"github.com/buildbarn/bb-tsdb/pkg/clock"
	"github.com/buildbarn/bb-tsdb/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	seriesPrometheusMetrics sync.Once

	seriesInsertsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "tsdb",
			Name:      "series_inserts_started_total",
			Help:      "Number of Insert() operations and insert transactions that were started",
		})
	seriesInsertsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "tsdb",
			Name:      "series_inserts_completed_total",
			Help:      "Number of Insert() operations and insert transactions that were completed",
		})

	seriesIterationsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "tsdb",
			Name:      "series_iterations_started_total",
			Help:      "Number of Iterate() operations that were started",
		})
)

// SeriesConfiguration determines the shape of a series within its
// partition.
type SeriesConfiguration struct {
	// The number of records the series should be able to hold. The
	// series uses MaxEntries/EntriesPerHeaderSector+1 header
	// sectors, so it holds the next multiple of
	// EntriesPerHeaderSector strictly above MaxEntries.
	MaxEntries uint32
	// Upper bound on the size of a single record.
	MaxFileSizeBytes uint32
}

// Series is an append-only log of timestamped records stored in a
// partition of a sector device. Records are written at the tail and
// reclaimed at the head once the ring of entry slots or the data area
// wraps around. All operations on a single Series are serialized by an
// internal lock; Series instances on disjoint partitions are
// independent.
type Series struct {
	device         blockdevice.SectorDevice
	partition      Partition
	configuration  SeriesConfiguration
	clock          clock.Clock
	nHeaderSectors uint32

	lock                 sync.Mutex
	headerSectorsManager *HeaderSectorsManager
}

// NewSeries creates a Series on top of the given partition and runs
// recovery, reconstructing the write position from whatever the
// partition holds. Header sectors that fail CRC verification are
// cleared; such events are reported through the error logger.
func NewSeries(device blockdevice.SectorDevice, partition Partition, configuration SeriesConfiguration, clk clock.Clock, errorLogger util.ErrorLogger) (*Series, error) {
	seriesPrometheusMetrics.Do(func() {
		prometheus.MustRegister(seriesInsertsStarted)
		prometheus.MustRegister(seriesInsertsCompleted)
		prometheus.MustRegister(seriesIterationsStarted)
	})

	if configuration.MaxEntries == 0 {
		return nil, status.Error(codes.InvalidArgument, "Series must be configured to hold at least one entry")
	}
	if configuration.MaxFileSizeBytes == 0 {
		return nil, status.Error(codes.InvalidArgument, "Maximum record size must be nonzero")
	}
	if uint64(partition.BeginSectorAddress)+uint64(partition.SectorCount) > uint64(device.SectorCount()) {
		return nil, status.Errorf(codes.OutOfRange, "Partition of %d sectors at sector %d does not fit on a device of %d sectors", partition.SectorCount, partition.BeginSectorAddress, device.SectorCount())
	}

	nHeaderSectors := configuration.MaxEntries/EntriesPerHeaderSector + 1
	headerSectorsManager, err := NewHeaderSectorsManager(device, errorLogger, clk, partition.BeginSectorAddress, nHeaderSectors, partition.SectorCount)
	if err != nil {
		return nil, err
	}
	return &Series{
		device:               device,
		partition:            partition,
		configuration:        configuration,
		clock:                clk,
		nHeaderSectors:       nHeaderSectors,
		headerSectorsManager: headerSectorsManager,
	}, nil
}

// Partition returns the partition the series was created on.
func (s *Series) Partition() Partition {
	return s.partition
}

// Configuration returns the configuration the series was created with.
func (s *Series) Configuration() SeriesConfiguration {
	return s.configuration
}

func (s *Series) resolveTimestamp(timestamp uint64) uint64 {
	if timestamp == 0 {
		return uint64(s.clock.Now().Unix())
	}
	return timestamp
}

func (s *Series) checkRecordSize(sizeBytes uint32) error {
	if sizeBytes > s.configuration.MaxFileSizeBytes {
		return status.Errorf(codes.InvalidArgument, "Record of %d bytes exceeds the configured maximum of %d bytes", sizeBytes, s.configuration.MaxFileSizeBytes)
	}
	return nil
}

// Insert appends a record atomically. If timestamp is zero, the
// injected clock provides the current time in seconds. The record's
// checksum is computed over the full payload before any sector is
// written.
func (s *Series) Insert(p []byte, attr uint32, timestamp uint64) error {
	if err := s.checkRecordSize(uint32(len(p))); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	seriesInsertsStarted.Inc()

	timestamp = s.resolveTimestamp(timestamp)
	recordChecksum := checksum.CRC32Of(p)
	relativeSectorAddress, err := s.headerSectorsManager.AddLog(uint32(len(p)), recordChecksum, timestamp, attr)
	if err != nil {
		return err
	}
	absoluteSectorAddress := s.headerSectorsManager.SectorAddressRelativeToAbsolute(relativeSectorAddress)
	if err := blockdevice.WriteBytesToSectors(s.device, p, absoluteSectorAddress); err != nil {
		return util.StatusWrap(err, "Failed to write record data")
	}
	seriesInsertsCompleted.Inc()
	return nil
}

// BeginInsertTransaction reserves an entry slot for a record of the
// given size and returns a transaction through which the record's data
// can be streamed sector by sector. The series lock is held by the
// transaction until it is finalized: no other operation on this series
// can proceed while the transaction is live. Callers must ensure
// Finalize() runs on every exit path; writing the full reserved size
// finalizes implicitly.
func (s *Series) BeginInsertTransaction(sizeBytes uint32, timestamp uint64) (*InsertTransaction, error) {
	if err := s.checkRecordSize(sizeBytes); err != nil {
		return nil, err
	}

	s.lock.Lock()
	seriesInsertsStarted.Inc()
	entry, err := s.headerSectorsManager.AddLogPartial(sizeBytes, s.resolveTimestamp(timestamp), 0)
	if err != nil {
		s.lock.Unlock()
		return nil, err
	}
	return &InsertTransaction{
		series: s,
		entry:  entry,
		crc:    checksum.NewCRC32(),
	}, nil
}

// Iterate invokes the callback for every record visible in the log,
// newest first (oldest first if descending is false), restricted to
// after <= timestamp < before
// if the bounds are nonzero. The callback returns false to stop early.
// The DataLogEntry passed to the callback is only valid for the
// duration of the call.
func (s *Series) Iterate(callback func(*DataLogEntry) bool, descending bool, after, before uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	seriesIterationsStarted.Inc()

	entries, err := s.headerSectorsManager.GetEntries(descending, after, before)
	if err != nil {
		return err
	}
	dataSectorBeginAddr := s.headerSectorsManager.SectorAddressRelativeToAbsolute(0)
	for i := range entries {
		dataLogEntry := DataLogEntry{
			LogEntry:            entries[i],
			device:              s.device,
			dataSectorBeginAddr: dataSectorBeginAddr,
			crc:                 checksum.NewCRC32(),
		}
		if !callback(&dataLogEntry) {
			break
		}
	}
	return nil
}

// Clear erases all records from the series.
func (s *Series) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.headerSectorsManager.Clear()
}

// Sync flushes the live header sector, making all records inserted so
// far visible to recovery.
func (s *Series) Sync() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.headerSectorsManager.SyncCurrentSector()
}
