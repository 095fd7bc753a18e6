// Package telemetry owns the prometheus collectors of the sync core.
//
// Collectors are registered on a caller-supplied registerer so tests can use
// an isolated registry. Every recording method accepts a nil *Metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feedsync"

// Metrics groups the counters exported by the core components.
type Metrics struct {
	CacheHits              *prometheus.CounterVec
	CacheMisses            *prometheus.CounterVec
	CacheEvictions         *prometheus.CounterVec
	CacheEvictionFailures  *prometheus.CounterVec
	StoreOps               *prometheus.CounterVec
	StoreErrors            *prometheus.CounterVec
	PublishSubmissions     *prometheus.CounterVec
	PublishResubmissions   prometheus.Counter
	PublishVerifications   *prometheus.CounterVec
	FeedPageFetches        *prometheus.CounterVec
	SyncUpdates            *prometheus.CounterVec
	MaintenanceRuns        *prometheus.CounterVec
	MaintenanceLastSuccess prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Bounded cache lookups that found a live entry.",
		}, []string{"namespace"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Bounded cache lookups that found nothing.",
		}, []string{"namespace"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted in least-recently-used order.",
		}, []string{"namespace"}),
		CacheEvictionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "eviction_failures_total",
			Help: "Eviction removals that failed and were parked for retry.",
		}, []string{"namespace"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "operations_total",
			Help: "Persistent store operations by kind.",
		}, []string{"op"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Persistent store operations that failed, by kind.",
		}, []string{"op"}),
		PublishSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publish", Name: "submissions_total",
			Help: "Submittable objects created and submitted, by content kind.",
		}, []string{"kind"}),
		PublishResubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publish", Name: "resubmissions_total",
			Help: "Resubmissions triggered by failed challenge verification.",
		}),
		PublishVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publish", Name: "verifications_total",
			Help: "Challenge verification outcomes.",
		}, []string{"result"}),
		FeedPageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "page_fetches_total",
			Help: "Feed page loads by outcome (cached, fetched, failed).",
		}, []string{"result"}),
		SyncUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "updates_total",
			Help: "Item updates observed, by acceptance.",
		}, []string{"result"}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "maintenance", Name: "runs_total",
			Help: "Maintenance sweeps by outcome.",
		}, []string{"result"}),
		MaintenanceLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "maintenance", Name: "last_success_unixtime",
			Help: "Unix time of the last successful maintenance sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheEvictionFailures,
			m.StoreOps, m.StoreErrors,
			m.PublishSubmissions, m.PublishResubmissions, m.PublishVerifications,
			m.FeedPageFetches, m.SyncUpdates,
			m.MaintenanceRuns, m.MaintenanceLastSuccess,
		)
	}
	return m
}

func (m *Metrics) CacheHit(ns string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(ns).Inc()
}

func (m *Metrics) CacheMiss(ns string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(ns).Inc()
}

func (m *Metrics) CacheEvicted(ns string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(ns).Inc()
}

func (m *Metrics) CacheEvictionFailed(ns string) {
	if m == nil {
		return
	}
	m.CacheEvictionFailures.WithLabelValues(ns).Inc()
}

// StoreOp records one store operation and whether it failed.
func (m *Metrics) StoreOp(op string, err error) {
	if m == nil {
		return
	}
	m.StoreOps.WithLabelValues(op).Inc()
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Submitted(kind string) {
	if m == nil {
		return
	}
	m.PublishSubmissions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Resubmitted() {
	if m == nil {
		return
	}
	m.PublishResubmissions.Inc()
}

func (m *Metrics) Verified(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.PublishVerifications.WithLabelValues(result).Inc()
}

// PageFetch records a feed page load; result is "cached", "fetched" or "failed".
func (m *Metrics) PageFetch(result string) {
	if m == nil {
		return
	}
	m.FeedPageFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) SyncUpdate(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.SyncUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) MaintenanceRun(err error, unixTime float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.MaintenanceRuns.WithLabelValues("failed").Inc()
		return
	}
	m.MaintenanceRuns.WithLabelValues("success").Inc()
	m.MaintenanceLastSuccess.Set(unixTime)
}
