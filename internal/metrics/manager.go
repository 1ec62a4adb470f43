package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unpload/unpload/internal/config"
)

const namespace = "unpload"

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// File lifecycle
	RecordUpload(success bool, size int64, duration time.Duration)
	RecordDownload(source string, success bool)
	RecordQuotaRejection()

	// Storage backend
	RecordStorageOperation(operation string, success bool, duration time.Duration)
	UpdateStorageUsage(bytes int64)

	// Trash
	RecordPurge(files, folders int, freedBytes int64, failures int)

	// Shares
	RecordShareAccess(kind, outcome string)

	// Background work
	RecordBackgroundTask(taskType string, duration time.Duration, success bool)

	// Export
	GetMetricsHandler() http.Handler
	Middleware() func(http.Handler) http.Handler
}

// Download sources
const (
	SourceOwner = "owner"
	SourceShare = "share"
)

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	uploadsTotal    *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	uploadDuration  prometheus.Histogram
	downloadsTotal  *prometheus.CounterVec
	quotaRejections prometheus.Counter

	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec
	storageBytesTotal        prometheus.Gauge

	purgedFilesTotal   prometheus.Counter
	purgedFoldersTotal prometheus.Counter
	purgedBytesTotal   prometheus.Counter
	purgeFailuresTotal prometheus.Counter

	shareAccessTotal *prometheus.CounterVec

	backgroundTasksTotal   *prometheus.CounterVec
	backgroundTaskDuration *prometheus.HistogramVec
}

// NewManager creates a Prometheus-backed manager, or a no-op one when metrics are disabled
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics()
	m.registerMetrics()
	return m
}

func (m *metricsManager) initializeMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "uploads_total",
			Help:      "Total number of file uploads",
		},
		[]string{"status"},
	)
	m.uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "upload_size_bytes",
			Help:      "Size of accepted uploads",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	m.uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "upload_duration_seconds",
			Help:      "Time to ingest an upload",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "downloads_total",
			Help:      "Total number of file downloads",
		},
		[]string{"source", "status"},
	)
	m.quotaRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Uploads rejected because the owner's quota was exhausted",
		},
	)

	m.storageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage backend operations",
		},
		[]string{"operation", "status"},
	)
	m.storageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	m.storageBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes stored in the backend at the last usage report",
		},
	)

	m.purgedFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "purged_files_total",
		Help: "Files permanently deleted",
	})
	m.purgedFoldersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "purged_folders_total",
		Help: "Folders permanently deleted",
	})
	m.purgedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "freed_bytes_total",
		Help: "Bytes released by purges",
	})
	m.purgeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "purge_failures_total",
		Help: "Items that could not be purged",
	})

	m.shareAccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shares",
			Name:      "access_total",
			Help:      "Share link requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.backgroundTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Background task runs",
		},
		[]string{"task", "status"},
	)
	m.backgroundTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Background task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
}

func (m *metricsManager) registerMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.uploadsTotal,
		m.uploadBytes,
		m.uploadDuration,
		m.downloadsTotal,
		m.quotaRejections,
		m.storageOperationsTotal,
		m.storageOperationDuration,
		m.storageBytesTotal,
		m.purgedFilesTotal,
		m.purgedFoldersTotal,
		m.purgedBytesTotal,
		m.purgeFailuresTotal,
		m.shareAccessTotal,
		m.backgroundTasksTotal,
		m.backgroundTaskDuration,
	)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) RecordUpload(success bool, size int64, duration time.Duration) {
	m.uploadsTotal.WithLabelValues(statusLabel(success)).Inc()
	if success {
		m.uploadBytes.Observe(float64(size))
		m.uploadDuration.Observe(duration.Seconds())
	}
}

func (m *metricsManager) RecordDownload(source string, success bool) {
	m.downloadsTotal.WithLabelValues(source, statusLabel(success)).Inc()
}

func (m *metricsManager) RecordQuotaRejection() {
	m.quotaRejections.Inc()
}

func (m *metricsManager) RecordStorageOperation(operation string, success bool, duration time.Duration) {
	m.storageOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) UpdateStorageUsage(bytes int64) {
	m.storageBytesTotal.Set(float64(bytes))
}

func (m *metricsManager) RecordPurge(files, folders int, freedBytes int64, failures int) {
	m.purgedFilesTotal.Add(float64(files))
	m.purgedFoldersTotal.Add(float64(folders))
	m.purgedBytesTotal.Add(float64(freedBytes))
	m.purgeFailuresTotal.Add(float64(failures))
}

func (m *metricsManager) RecordShareAccess(kind, outcome string) {
	m.shareAccessTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *metricsManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool) {
	m.backgroundTasksTotal.WithLabelValues(taskType, statusLabel(success)).Inc()
	m.backgroundTaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. The path label is the
// route template so ids and slugs don't explode cardinality.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), fmt.Sprintf("%d", wrapped.statusCode), time.Since(start))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush lets streamed downloads pass through the wrapper
func (w *responseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration)       {}
func (n *noopManager) RecordUpload(success bool, size int64, duration time.Duration)              {}
func (n *noopManager) RecordDownload(source string, success bool)                                 {}
func (n *noopManager) RecordQuotaRejection()                                                       {}
func (n *noopManager) RecordStorageOperation(operation string, success bool, d time.Duration)     {}
func (n *noopManager) UpdateStorageUsage(bytes int64)                                             {}
func (n *noopManager) RecordPurge(files, folders int, freedBytes int64, failures int)             {}
func (n *noopManager) RecordShareAccess(kind, outcome string)                                     {}
func (n *noopManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool) {}
func (n *noopManager) GetMetricsHandler() http.Handler                                            { return http.NotFoundHandler() }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

// Nop returns a manager that records nothing
func Nop() Manager {
	return &noopManager{}
}
