// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the catalog's metrics. It implements prometheus.Collector so
// a Catalog can be registered with a prometheus.Registerer directly.
type Metrics struct {
	// Compactions is the number of compaction jobs that have finished,
	// successfully or not.
	Compactions prometheus.Counter
	// CompactionsInflight is the number of compaction jobs currently
	// running.
	CompactionsInflight prometheus.Gauge
	// Subcompactions is the number of sub-jobs run by finished compactions.
	Subcompactions prometheus.Counter
	// BytesRead is the number of input bytes read by compactions.
	BytesRead prometheus.Counter
	// BytesWritten is the number of output bytes written by compactions.
	BytesWritten prometheus.Counter
	// RecordsDropped is the number of input records elided by compactions.
	RecordsDropped prometheus.Counter
	// TablesDeleted is the number of obsolete tables deleted.
	TablesDeleted prometheus.Counter
	// ManifestFsyncLatency measures the latency of manifest fsyncs, in
	// seconds.
	ManifestFsyncLatency prometheus.Histogram
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics returns a fresh set of metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_compactions_total",
			Help: "Number of compaction jobs that have finished.",
		}),
		CompactionsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shale_compactions_inflight",
			Help: "Number of compaction jobs currently running.",
		}),
		Subcompactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_subcompactions_total",
			Help: "Number of compaction sub-jobs run.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_compaction_bytes_read_total",
			Help: "Bytes of compaction input read.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_compaction_bytes_written_total",
			Help: "Bytes of compaction output written.",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_compaction_records_dropped_total",
			Help: "Input records elided by compactions.",
		}),
		TablesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shale_tables_deleted_total",
			Help: "Obsolete tables deleted.",
		}),
		ManifestFsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shale_manifest_fsync_latency_seconds",
			Help:    "Latency of manifest fsyncs.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 2, 16),
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Compactions.Describe(ch)
	m.CompactionsInflight.Describe(ch)
	m.Subcompactions.Describe(ch)
	m.BytesRead.Describe(ch)
	m.BytesWritten.Describe(ch)
	m.RecordsDropped.Describe(ch)
	m.TablesDeleted.Describe(ch)
	m.ManifestFsyncLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Compactions.Collect(ch)
	m.CompactionsInflight.Collect(ch)
	m.Subcompactions.Collect(ch)
	m.BytesRead.Collect(ch)
	m.BytesWritten.Collect(ch)
	m.RecordsDropped.Collect(ch)
	m.TablesDeleted.Collect(ch)
	m.ManifestFsyncLatency.Collect(ch)
}

// recordJob accumulates a finished job's stats into the counters.
func (m *Metrics) recordJob(stats JobStats, subcompactions int) {
	m.Compactions.Inc()
	m.Subcompactions.Add(float64(subcompactions))
	m.BytesRead.Add(float64(stats.TotalInputBytes))
	m.BytesWritten.Add(float64(stats.TotalOutputBytes))
	m.RecordsDropped.Add(float64(stats.Dropped.Total()))
}
