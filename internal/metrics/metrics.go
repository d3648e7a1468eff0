// Package metrics exposes Prometheus counters for sync runs and cleanup operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns        *prometheus.CounterVec
	syncActions     *prometheus.CounterVec
	syncErrors      prometheus.Counter
	syncDuration    prometheus.Histogram
	cleanupDeleted  prometheus.Counter
	cleanupOps      *prometheus.CounterVec
	lastSuccessTime *prometheus.GaugeVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calfeedsync",
		Name:      "sync_runs_total",
		Help:      "Reconciliation runs by result",
	}, []string{"result"})
	m.syncActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calfeedsync",
		Name:      "sync_actions_total",
		Help:      "Applied sync actions by type",
	}, []string{"action"})
	m.syncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calfeedsync",
		Name:      "sync_errors_total",
		Help:      "Per-event apply failures",
	})
	m.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calfeedsync",
		Name:      "sync_duration_seconds",
		Help:      "Duration of reconciliation runs",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.cleanupDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calfeedsync",
		Name:      "cleanup_deleted_total",
		Help:      "Duplicate events deleted by cleanup",
	})
	m.cleanupOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calfeedsync",
		Name:      "cleanup_operations_total",
		Help:      "Cleanup and restore operations by final status",
	}, []string{"status"})
	m.lastSuccessTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "calfeedsync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful run per calendar",
	}, []string{"calendar"})

	m.registry.MustRegister(
		m.syncRuns, m.syncActions, m.syncErrors, m.syncDuration,
		m.cleanupDeleted, m.cleanupOps, m.lastSuccessTime,
	)
	return m
}

// ObserveRun records a finished sync run.
func (m *Metrics) ObserveRun(calendarID string, success bool, created, updated, skipped, failed int, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncActions.WithLabelValues("create").Add(float64(created))
	m.syncActions.WithLabelValues("update").Add(float64(updated))
	m.syncActions.WithLabelValues("skip").Add(float64(skipped))
	m.syncErrors.Add(float64(failed))
	m.syncDuration.Observe(d.Seconds())
	if success {
		m.lastSuccessTime.WithLabelValues(calendarID).SetToCurrentTime()
	}
}

// ObserveCleanup records a finished cleanup or restore operation.
func (m *Metrics) ObserveCleanup(status string, deleted int) {
	m.cleanupOps.WithLabelValues(status).Inc()
	m.cleanupDeleted.Add(float64(deleted))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
