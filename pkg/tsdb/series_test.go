package tsdb_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/tsdb"
	"github.com/buildbarn/bb-tsdb/pkg/util"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func mustNewPartition(t *testing.T, beginSectorAddress, sectorCount uint32) tsdb.Partition {
	partition, err := tsdb.NewPartition(beginSectorAddress, sectorCount)
	require.NoError(t, err)
	return partition
}

func mustNewSeries(t *testing.T, device blockdevice.SectorDevice, partition tsdb.Partition, configuration tsdb.SeriesConfiguration, clk *incrementingClock) *tsdb.Series {
	series, err := tsdb.NewSeries(device, partition, configuration, clk, util.DefaultErrorLogger)
	require.NoError(t, err)
	return series
}

// readRecord reads the full payload of a record through its cursor and
// checks that the accumulated checksum matches the one stored in the
// entry.
func readRecord(t *testing.T, dataLogEntry *tsdb.DataLogEntry) []byte {
	buf := make([]byte, dataLogEntry.LogEntry.SizeBytes)
	n, err := dataLogEntry.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, dataLogEntry.LogEntry.Checksum, dataLogEntry.AccumulatedChecksum())
	return buf
}

func TestSeriesValidation(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(32)
	partition := mustNewPartition(t, 0, 32)

	_, err := tsdb.NewSeries(device, partition, tsdb.SeriesConfiguration{MaxEntries: 0, MaxFileSizeBytes: 4096}, &incrementingClock{}, util.DefaultErrorLogger)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = tsdb.NewSeries(device, partition, tsdb.SeriesConfiguration{MaxEntries: 10, MaxFileSizeBytes: 0}, &incrementingClock{}, util.DefaultErrorLogger)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	// The partition must fit on the device.
	bigPartition := mustNewPartition(t, 16, 32)
	_, err = tsdb.NewSeries(device, bigPartition, tsdb.SeriesConfiguration{MaxEntries: 10, MaxFileSizeBytes: 4096}, &incrementingClock{}, util.DefaultErrorLogger)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	// Inserts above the configured maximum record size are refused.
	series := mustNewSeries(t, device, partition, tsdb.SeriesConfiguration{MaxEntries: 10, MaxFileSizeBytes: 100}, &incrementingClock{})
	err = series.Insert(make([]byte, 101), 0, 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	err = series.Insert(nil, 0, 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSeriesSimple(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(32)
	series := mustNewSeries(t, device, mustNewPartition(t, 0, 32), tsdb.SeriesConfiguration{MaxEntries: 128, MaxFileSizeBytes: 8192}, &incrementingClock{})

	small := []byte("hello, world")
	require.NoError(t, series.Insert(small, 0, 0))
	big := bytes.Repeat([]byte{0xf3}, 8192)
	require.NoError(t, series.Insert(big, 0, 0))

	var results [][]byte
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		results = append(results, readRecord(t, dataLogEntry))
		return true
	}, false, 0, 0))
	require.Len(t, results, 2)
	require.Equal(t, small, results[0])
	require.Equal(t, big, results[1])
}

func TestSeriesInsufficientSlots(t *testing.T) {
	// Far more inserts than the single header sector can hold: only
	// the most recent full ring of entries survives.
	device := blockdevice.NewMemorySectorDevice(32)
	series := mustNewSeries(t, device, mustNewPartition(t, 0, 32), tsdb.SeriesConfiguration{MaxEntries: 10, MaxFileSizeBytes: 8192}, &incrementingClock{})

	data := []byte("hello, world")
	for i := 0; i < 1000; i++ {
		require.NoError(t, series.Insert(data, 0, 0))
	}

	var results [][]byte
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		results = append(results, readRecord(t, dataLogEntry))
		return true
	}, false, 0, 0))
	require.Len(t, results, tsdb.EntriesPerHeaderSector)
	for _, r := range results {
		require.Equal(t, data, r)
	}
}

func TestSeriesInsufficientDataSectors(t *testing.T) {
	// The header sectors of this configuration leave only six data
	// sectors, so two-sector records overwrite each other's data
	// long before the entry ring wraps. Enumeration must only
	// return records whose data is still intact.
	device := blockdevice.NewMemorySectorDevice(32)
	series := mustNewSeries(t, device, mustNewPartition(t, 0, 32), tsdb.SeriesConfiguration{MaxEntries: 500, MaxFileSizeBytes: 8192}, &incrementingClock{})

	data := bytes.Repeat([]byte{0xf1}, 1024)
	for i := 0; i < 1000; i++ {
		require.NoError(t, series.Insert(data, 0, 0))
	}

	var results [][]byte
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		results = append(results, readRecord(t, dataLogEntry))
		return true
	}, false, 0, 0))
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, data, r)
	}
}

func TestSeriesClear(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(512)
	partition, err := tsdb.NewPartitionFromSectorRange(10, 120)
	require.NoError(t, err)
	series := mustNewSeries(t, device, partition, tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 4096}, &incrementingClock{})

	data := []byte("hello, world!")
	for i := 0; i < 5; i++ {
		require.NoError(t, series.Insert(data, 0, 0))
	}

	count := 0
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		count++
		return true
	}, true, 0, 0))
	require.Equal(t, 5, count)

	require.NoError(t, series.Clear())

	count = 0
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		count++
		return true
	}, true, 0, 0))
	require.Equal(t, 0, count)
}

func TestSeriesGetters(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(512)
	partition, err := tsdb.NewPartitionFromSectorRange(10, 120)
	require.NoError(t, err)
	configuration := tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 4096}
	series := mustNewSeries(t, device, partition, configuration, &incrementingClock{})

	require.Equal(t, partition, series.Partition())
	require.Equal(t, configuration, series.Configuration())
}

func TestSeriesTimestampBumping(t *testing.T) {
	// A caller-supplied timestamp smaller than the previous one is
	// bumped to one past it; an equal timestamp is stored as-is.
	device := blockdevice.NewMemorySectorDevice(64)
	series := mustNewSeries(t, device, mustNewPartition(t, 0, 64), tsdb.SeriesConfiguration{MaxEntries: 10, MaxFileSizeBytes: 4096}, &incrementingClock{})

	data := []byte{0x01}
	require.NoError(t, series.Insert(data, 0, 100))
	require.NoError(t, series.Insert(data, 0, 50))
	require.NoError(t, series.Insert(data, 0, 101))

	var timestamps []uint64
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		timestamps = append(timestamps, dataLogEntry.LogEntry.Timestamp)
		return true
	}, true, 0, 0))
	require.Equal(t, []uint64{101, 101, 100}, timestamps)
}

func TestSeriesTimestampWindow(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(1024)
	series := mustNewSeries(t, device, mustNewPartition(t, 0, 1024), tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 4096}, &incrementingClock{})

	data := bytes.Repeat([]byte{0x7e}, 600)
	for i := 1; i <= 50; i++ {
		require.NoError(t, series.Insert(data, 0, uint64(i)))
	}

	var timestamps []uint64
	require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		timestamps = append(timestamps, dataLogEntry.LogEntry.Timestamp)
		return true
	}, false, 10, 20))
	require.Len(t, timestamps, 10)
	for i, ts := range timestamps {
		require.Equal(t, uint64(10+i), ts)
	}
}

func TestSeriesAttributes(t *testing.T) {
	device := blockdevice.NewMemorySectorDevice(1024)
	partition := mustNewPartition(t, 0, 1024)
	configuration := tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 4096}
	clk := &incrementingClock{}
	data := make([]byte, 1024)

	{
		series := mustNewSeries(t, device, partition, configuration, clk)
		for i := 0; i < 71; i++ {
			require.NoError(t, series.Insert(data, uint32(i), uint64(i+1)))
		}
		require.NoError(t, series.Sync())
	}

	{
		series := mustNewSeries(t, device, partition, configuration, clk)
		count := uint32(0)
		require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			require.Equal(t, count, dataLogEntry.LogEntry.Attr)
			count++
			return true
		}, false, 0, 0))
		require.Equal(t, uint32(71), count)
	}

	{
		series := mustNewSeries(t, device, partition, configuration, clk)
		require.NoError(t, series.Clear())

		// Overflow the entry ring. With six header sectors, the
		// ring holds 120 entries, so of 200 inserts only the
		// 120 most recent remain visible.
		for i := 0; i < 200; i++ {
			require.NoError(t, series.Insert(data, uint32(i), uint64(i+1)))
		}
		require.NoError(t, series.Sync())
	}

	{
		series := mustNewSeries(t, device, partition, configuration, clk)
		count := uint32(0)
		require.NoError(t, series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			require.Equal(t, count+80, dataLogEntry.LogEntry.Attr)
			count++
			return true
		}, false, 0, 0))
		require.Equal(t, uint32(120), count)
	}
}

func TestSeriesSaturatedAtBoundaryFromFirstSector(t *testing.T) {
	// Fill all three header sectors exactly and reopen: every
	// sector is fully used and internally monotonic, so recovery
	// has to locate the sector with the oldest records. The next
	// insert must land in slot zero of that sector.
	const nHeaderSectors = 3
	device := blockdevice.NewMemorySectorDevice(10240)
	partition := mustNewPartition(t, 0, 10240)
	configuration := tsdb.SeriesConfiguration{MaxEntries: nHeaderSectors*tsdb.EntriesPerHeaderSector - 1, MaxFileSizeBytes: 4096}
	clk := &incrementingClock{}

	series := mustNewSeries(t, device, partition, configuration, clk)
	dummy := []byte{0xd0, 0xd1, 0xd2, 0xd3}
	timestamp := uint64(1)
	for i := 0; i < nHeaderSectors*tsdb.EntriesPerHeaderSector; i++ {
		require.NoError(t, series.Insert(dummy, 0, timestamp))
		timestamp++
	}
	require.NoError(t, series.Sync())

	// All persisted timestamps must increase monotonically across
	// the header sectors.
	previousTimestamp := uint64(0)
	for i := uint32(0); i < nHeaderSectors; i++ {
		var buf [blockdevice.SectorSizeBytes]byte
		require.NoError(t, device.ReadSectors(buf[:], i, 1))
		var hs tsdb.HeaderSector
		require.True(t, hs.UnmarshalSector(buf[:]))
		for j := range hs.Entries {
			require.Greater(t, hs.Entries[j].Timestamp, previousTimestamp)
			previousTimestamp = hs.Entries[j].Timestamp
		}
	}

	series1 := mustNewSeries(t, device, partition, configuration, clk)
	require.NoError(t, series1.Insert(dummy, 0, timestamp))
	require.NoError(t, series1.Sync())

	{
		var buf [blockdevice.SectorSizeBytes]byte
		require.NoError(t, device.ReadSectors(buf[:], 0, 1))
		var hs tsdb.HeaderSector
		require.True(t, hs.UnmarshalSector(buf[:]))
		require.Equal(t, timestamp, hs.Entries[0].Timestamp)
		require.Equal(t, uint64(2), hs.Entries[1].Timestamp)
	}

	series2 := mustNewSeries(t, device, partition, configuration, clk)
	var timestamps []uint64
	require.NoError(t, series2.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		timestamps = append(timestamps, dataLogEntry.LogEntry.Timestamp)
		return true
	}, true, 0, 0))
	require.Len(t, timestamps, nHeaderSectors*tsdb.EntriesPerHeaderSector)
	require.Equal(t, timestamp, timestamps[0])
	require.Equal(t, uint64(2), timestamps[len(timestamps)-1])
}

func TestSeriesSaturatedAtBoundaryFromSecondSector(t *testing.T) {
	// One full trip around the ring plus one more sector: the
	// oldest records now start in the second header sector.
	const nHeaderSectors = 3
	device := blockdevice.NewMemorySectorDevice(10240)
	partition := mustNewPartition(t, 0, 10240)
	configuration := tsdb.SeriesConfiguration{MaxEntries: nHeaderSectors*tsdb.EntriesPerHeaderSector - 1, MaxFileSizeBytes: 4096}
	clk := &incrementingClock{}

	series := mustNewSeries(t, device, partition, configuration, clk)
	dummy := []byte{0x00, 0x01, 0x02, 0x03}
	timestamp := uint64(1)
	for i := 0; i < (nHeaderSectors+1)*tsdb.EntriesPerHeaderSector; i++ {
		require.NoError(t, series.Insert(dummy, 0, timestamp))
		timestamp++
	}
	require.NoError(t, series.Sync())

	series1 := mustNewSeries(t, device, partition, configuration, clk)
	expectedTimestamp := uint64(tsdb.EntriesPerHeaderSector + 1)
	count := 0
	require.NoError(t, series1.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		count++
		require.Equal(t, expectedTimestamp, dataLogEntry.LogEntry.Timestamp)
		expectedTimestamp++
		return true
	}, false, 0, 0))
	require.Equal(t, nHeaderSectors*tsdb.EntriesPerHeaderSector, count)

	require.NoError(t, series1.Insert(dummy, 0, timestamp))
	require.NoError(t, series1.Sync())

	series2 := mustNewSeries(t, device, partition, configuration, clk)
	count = 0
	require.NoError(t, series2.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
		count++
		return true
	}, false, 0, 0))
	require.Equal(t, nHeaderSectors*tsdb.EntriesPerHeaderSector, count)
}

func TestSeriesRecoveryAcrossReopen(t *testing.T) {
	// Exercises the lifecycle of two series sharing one device on
	// disjoint partitions: records inserted without a sync are
	// invisible after reopening, synced records persist, crossing a
	// header sector boundary syncs implicitly, and wraparound after
	// a clear keeps exactly one ring of entries.
	device := blockdevice.NewMemorySectorDevice(10240)
	partition1 := mustNewPartition(t, 0, 5000)
	partition2 := mustNewPartition(t, 5000, 5240)
	configuration := tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 2 << 20}
	clk := &incrementingClock{}

	makeSeries := func() [2]*tsdb.Series {
		return [2]*tsdb.Series{
			mustNewSeries(t, device, partition1, configuration, clk),
			mustNewSeries(t, device, partition2, configuration, clk),
		}
	}
	countRecords := func(s *tsdb.Series) int {
		count := 0
		require.NoError(t, s.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			count++
			return true
		}, true, 0, 0))
		return count
	}
	verifyAscending := func(s *tsdb.Series, expectedCount int, sizeBytes int, firstValue byte) {
		count := 0
		require.NoError(t, s.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			payload := readRecord(t, dataLogEntry)
			require.Len(t, payload, sizeBytes)
			require.Equal(t, bytes.Repeat([]byte{firstValue + byte(count)}, sizeBytes), payload)
			count++
			return true
		}, false, 0, 0))
		require.Equal(t, expectedCount, count)
	}

	// A pristine device holds no records.
	for _, s := range makeSeries() {
		require.Equal(t, 0, countRecords(s))
	}

	// Records inserted without a sync stay in the cached header
	// sector. Note that enumeration would flush that sector to take
	// its snapshot, so nothing may iterate here.
	for _, s := range makeSeries() {
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Insert(bytes.Repeat([]byte{byte(i)}, 10*1024), 0, 0))
		}
	}

	// Without a sync, the records are invisible after reopening.
	for _, s := range makeSeries() {
		require.Equal(t, 0, countRecords(s))
	}

	// Synced records survive reopening.
	for _, s := range makeSeries() {
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Insert(bytes.Repeat([]byte{byte(i)}, 10*1024), 0, 0))
		}
		require.NoError(t, s.Sync())
	}
	for _, s := range makeSeries() {
		verifyAscending(s, 10, 10*1024, 0)
	}

	// Crossing a header sector boundary syncs that sector without
	// an explicit Sync(): after reopening, exactly the entries of
	// the completed sector are visible.
	for _, s := range makeSeries() {
		for i := 0; i < tsdb.EntriesPerHeaderSector; i++ {
			require.NoError(t, s.Insert(bytes.Repeat([]byte{byte(i + 10)}, 10*1024), 0, 0))
		}
	}
	for _, s := range makeSeries() {
		verifyAscending(s, tsdb.EntriesPerHeaderSector, 10*1024, 0)
	}

	// Clearing returns both series to the initial state.
	for _, s := range makeSeries() {
		require.NoError(t, s.Clear())
	}
	for _, s := range makeSeries() {
		require.Equal(t, 0, countRecords(s))
	}

	// Overflowing the ring keeps the 120 most recent records.
	for _, s := range makeSeries() {
		for i := 0; i < 200; i++ {
			require.NoError(t, s.Insert(bytes.Repeat([]byte{byte(i)}, 512), 0, 0))
		}
		require.NoError(t, s.Sync())
	}
	for _, s := range makeSeries() {
		verifyAscending(s, 120, 512, 80)
	}
}

func TestSeriesConcurrentDisjointPartitions(t *testing.T) {
	// Two series sharing a device on disjoint partitions must not
	// interfere: inserts and iterations proceed in parallel.
	device := blockdevice.NewMemorySectorDevice(512)
	partition1, err := tsdb.NewPartitionFromSectorRange(10, 120)
	require.NoError(t, err)
	partition2, err := tsdb.NewPartitionFromSectorRange(121, 300)
	require.NoError(t, err)
	configuration := tsdb.SeriesConfiguration{MaxEntries: 100, MaxFileSizeBytes: 4096}
	series1 := mustNewSeries(t, device, partition1, configuration, &incrementingClock{})
	series2 := mustNewSeries(t, device, partition2, configuration, &incrementingClock{})

	data1 := []byte("hello, world!")
	data2 := bytes.Repeat([]byte{0x03}, 1024)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			require.NoError(t, series1.Insert(data1, 0, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			require.NoError(t, series2.Insert(data2, 0, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			require.NoError(t, series1.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
				require.Equal(t, data1, readRecord(t, dataLogEntry))
				return true
			}, true, 0, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			require.NoError(t, series2.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
				require.Equal(t, data2, readRecord(t, dataLogEntry))
				return true
			}, true, 0, 0))
		}
	}()
	wg.Wait()

	require.Equal(t, 10, func() int {
		count := 0
		require.NoError(t, series1.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			count++
			return true
		}, true, 0, 0))
		return count
	}())
}
