package journal

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreCollector exports the health of the shared pebble store backing
// the journal and the fallback snapshots.
type StoreCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewStoreCollector(db *pebble.DB) *StoreCollector {
	return &StoreCollector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"writersroom_store_compaction_count_total",
			"Total number of pebble compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"writersroom_store_compaction_estimated_debt_bytes",
			"Estimated number of bytes pebble still needs to compact",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"writersroom_store_memtable_size_bytes",
			"Current size of pebble memtables",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"writersroom_store_memtable_count",
			"Number of live pebble memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"writersroom_store_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"writersroom_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"writersroom_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"writersroom_store_disk_usage_bytes",
			"Estimated total disk usage of the store",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.memtableSize
	ch <- sc.memtableCount
	ch <- sc.walFiles
	ch <- sc.walSize
	ch <- sc.walBytesWritten
	ch <- sc.diskUsage
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(
		sc.compactionDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount, prometheus.GaugeValue, float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(
		sc.walFiles, prometheus.GaugeValue, float64(metrics.WAL.Files))
	ch <- prometheus.MustNewConstMetric(
		sc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten, prometheus.CounterValue, float64(metrics.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(
		sc.diskUsage, prometheus.GaugeValue, float64(metrics.DiskSpaceUsage()))
}
