// Package telemetry exposes the latest snapshot of every target as Prometheus
// metrics.
package telemetry

import (
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/poller"
)

const namespace = "walwatch"

// SnapshotSource is read on every scrape.
type SnapshotSource interface {
	Targets() []string
	Latest(targetID string) (*model.WalSnapshot, bool)
}

// StatsSource provides the scheduler counters.
type StatsSource interface {
	Stats() poller.Stats
}

// Exporter is a prometheus.Collector over the snapshot store. Nothing is
// cached; each scrape reads the current latest snapshots.
type Exporter struct {
	snapshots SnapshotSource
	stats     StatsSource
	clock     clock.Clock

	walDirBytes      *prometheus.Desc
	walFiles         *prometheus.Desc
	currentLSN       *prometheus.Desc
	slotRetained     *prometheus.Desc
	slotActive       *prometheus.Desc
	archiverFailed   *prometheus.Desc
	longTransactions *prometheus.Desc
	walGrowth        *prometheus.Desc
	healthStatus     *prometheus.Desc
	snapshotAge      *prometheus.Desc
	fieldErrors      *prometheus.Desc
	collections      *prometheus.Desc
	ticksDropped     *prometheus.Desc
}

// NewExporter creates an Exporter. stats may be nil.
func NewExporter(snapshots SnapshotSource, stats StatsSource, clk clock.Clock) *Exporter {
	if clk == nil {
		clk = clock.Real{}
	}
	target := []string{"target"}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		snapshots: snapshots,
		stats:     stats,
		clock:     clk,

		walDirBytes:      desc("wal_directory_bytes", "Total size of the pg_wal directory.", target...),
		walFiles:         desc("wal_files", "Number of WAL segment files in pg_wal.", target...),
		currentLSN:       desc("current_lsn_bytes", "Current WAL position as a byte offset.", target...),
		slotRetained:     desc("slot_retained_bytes", "WAL retained by a replication slot.", "target", "slot", "slot_type"),
		slotActive:       desc("slot_active", "Whether a replication slot has a connected consumer.", "target", "slot", "slot_type"),
		archiverFailed:   desc("archiver_failed_total", "Archive failures since the last successful archive.", target...),
		longTransactions: desc("long_transactions", "Transactions flagged as long running.", target...),
		walGrowth:        desc("wal_growth_bytes_per_second", "WAL generation rate between the last two snapshots.", target...),
		healthStatus:     desc("health_status", "Health per dimension: 0 unknown, 1 good, 2 warning, 3 error.", "target", "dimension"),
		snapshotAge:      desc("snapshot_age_seconds", "Age of the latest snapshot.", target...),
		fieldErrors:      desc("snapshot_field_errors", "Fields of the latest snapshot that could not be collected.", "target", "kind"),
		collections:      desc("collections_total", "Collection cycles by result.", "result"),
		ticksDropped:     desc("ticks_dropped_total", "Ticks dropped because the previous cycle was still running."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.walDirBytes, e.walFiles, e.currentLSN, e.slotRetained, e.slotActive,
		e.archiverFailed, e.longTransactions, e.walGrowth, e.healthStatus,
		e.snapshotAge, e.fieldErrors, e.collections, e.ticksDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	now := e.clock.Now()

	ids := e.snapshots.Targets()
	slices.Sort(ids)
	for _, id := range ids {
		snap, ok := e.snapshots.Latest(id)
		if !ok {
			continue
		}
		e.collectSnapshot(ch, snap)
		ch <- prometheus.MustNewConstMetric(e.snapshotAge, prometheus.GaugeValue, snap.Age(now).Seconds(), id)
	}

	if e.stats == nil {
		return
	}
	stats := e.stats.Stats()
	for result, n := range stats.Collections {
		ch <- prometheus.MustNewConstMetric(e.collections, prometheus.CounterValue, float64(n), result)
	}
	ch <- prometheus.MustNewConstMetric(e.ticksDropped, prometheus.CounterValue, float64(stats.TicksDropped))
}

func (e *Exporter) collectSnapshot(ch chan<- prometheus.Metric, snap *model.WalSnapshot) {
	id := snap.TargetID
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{id}, labels...)...)
	}

	if dir, ok := snap.WalDir.Get(); ok {
		gauge(e.walDirBytes, float64(dir.Bytes))
		gauge(e.walFiles, float64(dir.Files))
	}
	if pos, ok := snap.Position.Get(); ok {
		gauge(e.currentLSN, float64(pos.LSN))
	}
	if g, ok := snap.Growth.Get(); ok {
		gauge(e.walGrowth, g.BytesPerSecond)
	}
	if slots, ok := snap.Slots.Get(); ok {
		for _, s := range slots {
			gauge(e.slotRetained, float64(s.RetainedBytes), s.Name, string(s.Type))
			gauge(e.slotActive, boolFloat(s.Active), s.Name, string(s.Type))
		}
	}
	if arch, ok := snap.Archiver.Get(); ok {
		gauge(e.archiverFailed, float64(arch.FailedSinceLastArchive))
	}
	if txs, ok := snap.Transactions.Get(); ok {
		n := 0
		for _, tx := range txs {
			if tx.LongRunning {
				n++
			}
		}
		gauge(e.longTransactions, float64(n))
	}

	for dim, st := range snap.Health.Dimensions() {
		gauge(e.healthStatus, float64(st), dim)
	}
	gauge(e.healthStatus, float64(snap.Health.Overall), "overall")

	errs := map[model.ErrorKind]int{}
	for _, fe := range []*model.FieldError{
		snap.Server.Err, snap.Position.Err, snap.WalDir.Err, snap.Settings.Err,
		snap.Archiver.Err, snap.Slots.Err, snap.Replication.Err, snap.Transactions.Err,
	} {
		if fe != nil {
			errs[fe.Kind]++
		}
	}
	for _, kind := range []model.ErrorKind{model.KindConnection, model.KindQuery, model.KindParse} {
		gauge(e.fieldErrors, float64(errs[kind]), string(kind))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding the exporter plus the Go runtime and
// process collectors.
func NewRegistry(e *Exporter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		e,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
