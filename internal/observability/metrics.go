// ABOUTME: Prometheus metrics for feed retrieval runs and the feed store
// ABOUTME: Run counts by result, stored IOC counts, run durations, and registered feeds

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run result label values.
const (
	RunResultSuccess = "success"
	RunResultFailure = "failure"
)

// FeedMetrics collects metrics for feed retrieval.
type FeedMetrics struct {
	// RunsTotal counts retrieval runs by feed and result.
	RunsTotal *prometheus.CounterVec

	// FailuresTotal counts failed runs by feed and error code.
	FailuresTotal *prometheus.CounterVec

	// IOCsStored counts records written by feed and update type.
	IOCsStored *prometheus.CounterVec

	// IOCsDeleted counts records removed by REPLACE writes.
	IOCsDeleted *prometheus.CounterVec

	// RunDuration observes run latency by feed.
	RunDuration *prometheus.HistogramVec

	// LastSuccess is the unix time of each feed's last successful run.
	LastSuccess *prometheus.GaugeVec

	// RegisteredFeeds is the number of scheduled feeds.
	RegisteredFeeds prometheus.Gauge

	// ActiveRuns is the number of runs in flight.
	ActiveRuns prometheus.Gauge
}

// NewFeedMetrics registers feed metrics with reg under namespace.
// A nil reg registers with the default Prometheus registry.
func NewFeedMetrics(reg prometheus.Registerer, namespace string) *FeedMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &FeedMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_runs_total",
				Help:      "Total number of feed retrieval runs by feed and result",
			},
			[]string{"feed_id", "result"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_run_failures_total",
				Help:      "Total number of failed feed retrieval runs by feed and error code",
			},
			[]string{"feed_id", "code"},
		),
		IOCsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_iocs_stored_total",
				Help:      "Total number of IOC records written by feed and update type",
			},
			[]string{"feed_id", "update_type"},
		),
		IOCsDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_iocs_deleted_total",
				Help:      "Total number of IOC records removed ahead of replace writes",
			},
			[]string{"feed_id"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_run_duration_seconds",
				Help:      "Duration of feed retrieval runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"feed_id"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run per feed",
			},
			[]string{"feed_id"},
		),
		RegisteredFeeds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feeds_registered",
				Help:      "Number of feeds with an active schedule",
			},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_runs_active",
				Help:      "Number of feed retrieval runs in flight",
			},
		),
	}
}

// RecordRun records the outcome of one run. code is empty on success.
func (m *FeedMetrics) RecordRun(feedID string, duration time.Duration, code string, finishedAt time.Time) {
	if m == nil {
		return
	}

	m.RunDuration.WithLabelValues(feedID).Observe(duration.Seconds())
	if code == "" {
		m.RunsTotal.WithLabelValues(feedID, RunResultSuccess).Inc()
		m.LastSuccess.WithLabelValues(feedID).Set(float64(finishedAt.Unix()))
		return
	}
	m.RunsTotal.WithLabelValues(feedID, RunResultFailure).Inc()
	m.FailuresTotal.WithLabelValues(feedID, code).Inc()
}

// RecordStored records records written for a feed.
func (m *FeedMetrics) RecordStored(feedID, updateType string, stored, deleted int) {
	if m == nil {
		return
	}
	m.IOCsStored.WithLabelValues(feedID, updateType).Add(float64(stored))
	if deleted > 0 {
		m.IOCsDeleted.WithLabelValues(feedID).Add(float64(deleted))
	}
}

// SetRegistered sets the registered feed gauge.
func (m *FeedMetrics) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.RegisteredFeeds.Set(float64(n))
}

// RunStarted increments the in-flight gauge.
func (m *FeedMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished decrements the in-flight gauge.
func (m *FeedMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// ForgetFeed drops the per-feed series of a deregistered feed.
func (m *FeedMetrics) ForgetFeed(feedID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"feed_id": feedID}
	m.RunsTotal.DeletePartialMatch(labels)
	m.FailuresTotal.DeletePartialMatch(labels)
	m.IOCsStored.DeletePartialMatch(labels)
	m.IOCsDeleted.DeletePartialMatch(labels)
	m.RunDuration.DeletePartialMatch(labels)
	m.LastSuccess.DeletePartialMatch(labels)
}
