// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Persistence metrics
	SnapshotExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanslate_snapshot_exports_total",
			Help: "Total number of snapshot exports by outcome",
		},
		[]string{"outcome"},
	)

	SnapshotExportSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cleanslate_snapshot_export_seconds",
			Help:    "Snapshot export duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	ChangelogAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleanslate_changelog_appends_total",
			Help: "Total number of changelog entries appended",
		},
	)

	ChangelogBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cleanslate_changelog_backlog",
			Help: "Changelog entries not yet compacted into a snapshot",
		},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleanslate_compactions_total",
			Help: "Total number of completed compaction cycles",
		},
	)

	SavesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleanslate_saves_coalesced_total",
			Help: "Save requests folded into an in-flight export",
		},
	)

	// Timeline metrics
	UndoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanslate_undo_total",
			Help: "Undo operations by path (fast or heavy)",
		},
		[]string{"path"},
	)

	RedoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanslate_redo_total",
			Help: "Redo operations by path (fast or heavy)",
		},
		[]string{"path"},
	)

	// Combine metrics
	CombinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanslate_combines_total",
			Help: "Combine operations by kind (stack or join)",
		},
		[]string{"kind"},
	)
)

// Register registers all collectors with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SnapshotExportsTotal,
		SnapshotExportSeconds,
		ChangelogAppendsTotal,
		ChangelogBacklog,
		CompactionsTotal,
		SavesCoalescedTotal,
		UndoTotal,
		RedoTotal,
		CombinesTotal,
	)
}
