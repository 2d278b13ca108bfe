package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Remote collection fetch metrics
	FetchTotal          *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	StaleDiscardedTotal *prometheus.CounterVec
	BulkSelectTotal     *prometheus.CounterVec
	MountedViews        prometheus.Gauge

	// Snapshot store metrics
	SnapshotOperationTotal    *prometheus.CounterVec
	SnapshotOperationDuration *prometheus.HistogramVec

	// Remediation metrics
	RemediationPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		// Remote collection fetch metrics
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchview_fetch_total",
			Help: "Total number of committed collection fetches",
		}, []string{"collection", "status"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchview_fetch_duration_seconds",
			Help:    "Remote collection fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),

		StaleDiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchview_stale_responses_discarded_total",
			Help: "Fetch responses dropped because their descriptor was superseded",
		}, []string{"collection"}),

		BulkSelectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchview_bulk_select_total",
			Help: "Total number of select-all fetches",
		}, []string{"collection", "status"}),

		MountedViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patchview_mounted_views",
			Help: "Number of collection views currently mounted",
		}),

		// Snapshot store metrics
		SnapshotOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchview_snapshot_operations_total",
			Help: "Total number of view snapshot store operations",
		}, []string{"operation", "status"}),

		SnapshotOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchview_snapshot_operation_duration_seconds",
			Help:    "View snapshot store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Remediation metrics
		RemediationPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchview_remediation_publish_total",
			Help: "Total number of remediation requests published",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.FetchTotal)
	registerOrGet(m.FetchDuration)
	registerOrGet(m.StaleDiscardedTotal)
	registerOrGet(m.BulkSelectTotal)
	registerOrGet(m.MountedViews)
	registerOrGet(m.SnapshotOperationTotal)
	registerOrGet(m.SnapshotOperationDuration)
	registerOrGet(m.RemediationPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
