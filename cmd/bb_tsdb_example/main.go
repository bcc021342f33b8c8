package main

import (
	"flag"
	"log"
	"time"

	"github.com/buildbarn/bb-tsdb/pkg/blockdevice"
	"github.com/buildbarn/bb-tsdb/pkg/clock"
	"github.com/buildbarn/bb-tsdb/pkg/tsdb"
	"github.com/buildbarn/bb-tsdb/pkg/util"

	"golang.org/x/sync/semaphore"
)

// Example driver: keeps one series on a file-backed device and appends
// a record every interval, printing how many records iteration
// observes. Restarting the process demonstrates recovery, as the
// series resumes where the previous run's sync left it.
func main() {
	var (
		devicePath            = flag.String("device-path", "bb_tsdb_example.img", "Path of the file backing the block device")
		sectorCount           = flag.Uint("sector-count", 20000, "Size of the device in sectors")
		maxEntries            = flag.Uint("max-entries", 42, "Number of records the series should hold")
		interval              = flag.Duration("interval", 100*time.Millisecond, "Delay between inserts")
		writeConcurrencyLimit = flag.Int64("write-concurrency-limit", 4, "Maximum number of sector writes performed in parallel")
	)
	flag.Parse()

	device, deviceSectorCount, err := blockdevice.NewBlockDeviceFromFile(*devicePath, int64(*sectorCount)*blockdevice.SectorSizeBytes, false)
	if err != nil {
		log.Fatal("Failed to open block device: ", err)
	}
	sectorDevice := blockdevice.NewWriteConcurrencyLimitingSectorDevice(
		blockdevice.NewSectorDeviceFromBlockDevice(device, deviceSectorCount),
		semaphore.NewWeighted(*writeConcurrencyLimit))

	partition, err := tsdb.NewPartition(0, deviceSectorCount)
	if err != nil {
		log.Fatal("Failed to create partition: ", err)
	}
	series, err := tsdb.NewSeries(
		sectorDevice,
		partition,
		tsdb.SeriesConfiguration{
			MaxEntries:       uint32(*maxEntries),
			MaxFileSizeBytes: 4 * 1024,
		},
		clock.SystemClock,
		util.DefaultErrorLogger)
	if err != nil {
		log.Fatal("Failed to create series: ", err)
	}

	payload := make([]byte, 2048)
	for {
		count := 0
		if err := series.Iterate(func(dataLogEntry *tsdb.DataLogEntry) bool {
			count++
			return true
		}, true, 0, 0); err != nil {
			log.Fatal("Failed to iterate: ", err)
		}
		log.Print("Count = ", count)

		if err := series.Insert(payload, 0, 0); err != nil {
			log.Fatal("Failed to insert: ", err)
		}
		if err := device.Sync(); err != nil {
			log.Fatal("Failed to sync device: ", err)
		}
		time.Sleep(*interval)
	}
}
