// Package metrics defines the service's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for scheduler runs.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDiscarded = "discarded"
)

// Metrics tracks service-level Prometheus metrics. All record methods
// are safe on a nil receiver so metrics can stay optional in tests.
type Metrics struct {
	// SchedulerRuns counts scheduled sync runs by result.
	SchedulerRuns *prometheus.CounterVec

	// FetchDuration tracks how long a full share fetch takes.
	FetchDuration prometheus.Histogram

	// SnapshotsCreated counts new snapshots by source kind.
	SnapshotsCreated *prometheus.CounterVec

	// DownloadsServed counts token-gated downloads by kind.
	DownloadsServed *prometheus.CounterVec
}

// NewMetrics creates and registers the service metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SchedulerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogsync_scheduler_runs_total",
				Help: "Scheduled sync runs by result",
			},
			[]string{"result"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fogsync_fetch_duration_seconds",
				Help:    "Duration of a full share fetch in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		SnapshotsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogsync_snapshots_created_total",
				Help: "Snapshots created by source kind",
			},
			[]string{"source"},
		),
		DownloadsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fogsync_downloads_served_total",
				Help: "Token-gated downloads served by kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.SchedulerRuns,
		m.FetchDuration,
		m.SnapshotsCreated,
		m.DownloadsServed,
	)

	return m
}

// RecordSchedulerRun records one finished scheduler run.
func (m *Metrics) RecordSchedulerRun(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(durationSeconds)
}

// RecordSnapshot records a newly created snapshot.
func (m *Metrics) RecordSnapshot(source string) {
	if m == nil {
		return
	}
	m.SnapshotsCreated.WithLabelValues(source).Inc()
}

// RecordDownload records a served download.
func (m *Metrics) RecordDownload(kind string) {
	if m == nil {
		return
	}
	m.DownloadsServed.WithLabelValues(kind).Inc()
}
