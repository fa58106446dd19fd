package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics records replay cycle outcomes per driver (foreground or background).
type SyncMetrics struct {
	duration *prometheus.HistogramVec
	synced   *prometheus.CounterVec
	failed   *prometheus.CounterVec
	evicted  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

// NewSyncMetrics registers the sync metrics on the provided registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_seconds",
		Help:    "Duration of replay cycles in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver"})
	synced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reports_synced_total",
		Help: "Queued reports delivered to the remote API.",
	}, []string{"driver"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reports_failed_total",
		Help: "Replay attempts that failed.",
	}, []string{"driver"})
	evicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reports_evicted_total",
		Help: "Queued reports deleted after reaching the retry ceiling.",
	}, []string{"driver"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cycles_skipped_total",
		Help: "Replay cycles that did not run, by reason.",
	}, []string{"driver", "reason"})
	reg.MustRegister(duration, synced, failed, evicted, skipped)
	return &SyncMetrics{
		duration: duration,
		synced:   synced,
		failed:   failed,
		evicted:  evicted,
		skipped:  skipped,
	}
}

// ObserveCycle records the duration of a cycle that ran.
func (m *SyncMetrics) ObserveCycle(driver string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(driver)).Observe(duration.Seconds())
}

// AddOutcomes adds the per-record tallies of one cycle.
func (m *SyncMetrics) AddOutcomes(driver string, synced, failed, evicted int) {
	if m == nil || m.synced == nil {
		return
	}
	label := normalizeLabel(driver)
	m.synced.WithLabelValues(label).Add(float64(synced))
	m.failed.WithLabelValues(label).Add(float64(failed))
	m.evicted.WithLabelValues(label).Add(float64(evicted))
}

// IncSkipped counts a cycle that was not started.
func (m *SyncMetrics) IncSkipped(driver, reason string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(driver), normalizeLabel(reason)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
