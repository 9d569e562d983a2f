package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Cirrus
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database metrics
	dbQueriesTotal    *prometheus.CounterVec
	dbQueryDuration   *prometheus.HistogramVec
	dbConnections     prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge
	dbConnectionsMax  prometheus.Gauge

	// Storage metrics
	storageOperationsTotal   *prometheus.CounterVec
	storageBytesTotal        *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec

	// Drive metrics
	quotaRejectionsTotal   prometheus.Counter
	multipartSessionsTotal *prometheus.CounterVec
	multipartPartsTotal    prometheus.Counter

	// System metrics
	systemUptime prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Metrics are
// registered with the default registerer once per process; subsequent
// calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		// HTTP metrics
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirrus_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cirrus_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cirrus_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		httpResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cirrus_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cirrus_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Database metrics
		dbQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirrus_db_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		dbQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cirrus_db_query_duration_seconds",
				Help:    "Database query latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation", "table"},
		),
		dbConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cirrus_db_connections",
				Help: "Current number of database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cirrus_db_connections_idle",
				Help: "Current number of idle database connections",
			},
		),
		dbConnectionsMax: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cirrus_db_connections_max",
				Help: "Maximum number of database connections",
			},
		),

		// Storage metrics
		storageOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirrus_storage_operations_total",
				Help: "Total number of storage provider operations",
			},
			[]string{"operation", "backend", "status"},
		),
		storageBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirrus_storage_bytes_total",
				Help: "Total number of bytes written to or read from storage",
			},
			[]string{"operation", "backend"},
		),
		storageOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cirrus_storage_operation_duration_seconds",
				Help:    "Storage operation latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation", "backend"},
		),

		// Drive metrics
		quotaRejectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cirrus_quota_rejections_total",
				Help: "Total number of writes rejected for exceeding the owner quota",
			},
		),
		multipartSessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirrus_multipart_sessions_total",
				Help: "Total number of multipart upload sessions by outcome",
			},
			[]string{"event"},
		),
		multipartPartsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cirrus_multipart_parts_total",
				Help: "Total number of multipart parts uploaded",
			},
		),

		// System metrics
		systemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cirrus_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),
	}
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		// Get request size from the header; reading the body here would
		// drain streamed uploads into memory
		requestSize := c.Request().Header.ContentLength()
		if requestSize < 0 {
			requestSize = 0
		}
		path := normalizePath(c.Path())
		method := c.Method()

		// Process request
		err := c.Next()

		// Calculate duration
		duration := time.Since(start).Seconds()
		status := statusClass(c.Response().StatusCode())
		responseSize := responseBytes(c)

		// Record metrics
		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		m.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
		m.httpResponseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))

		return err
	}
}

// RecordDBQuery records database query metrics
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueriesTotal.WithLabelValues(operation, table).Inc()
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateDBStats updates database connection pool stats
func (m *Metrics) UpdateDBStats(total, idle, max int32) {
	m.dbConnections.Set(float64(total))
	m.dbConnectionsIdle.Set(float64(idle))
	m.dbConnectionsMax.Set(float64(max))
}

// RecordStorageOperation records a storage provider operation
func (m *Metrics) RecordStorageOperation(operation, backend string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.storageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.storageBytesTotal.WithLabelValues(operation, backend).Add(float64(bytes))
	m.storageOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordQuotaRejection records a write rejected by quota enforcement
func (m *Metrics) RecordQuotaRejection() {
	m.quotaRejectionsTotal.Inc()
}

// RecordMultipartSession records a multipart session lifecycle event
// (initiated, completed, aborted)
func (m *Metrics) RecordMultipartSession(event string) {
	m.multipartSessionsTotal.WithLabelValues(event).Inc()
}

// RecordMultipartPart records an uploaded multipart part
func (m *Metrics) RecordMultipartPart() {
	m.multipartPartsTotal.Inc()
}

// UpdateUptime updates the system uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes Prometheus metrics
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// responseBytes reports the response size without draining stream-backed
// bodies (Body() on a streamed download would buffer the whole file)
func responseBytes(c *fiber.Ctx) int {
	if c.Response().IsBodyStream() {
		size := c.Response().Header.ContentLength()
		if size < 0 {
			return 0
		}
		return size
	}
	return len(c.Response().Body())
}

// normalizePath normalizes API paths for metrics (replaces IDs with placeholders)
func normalizePath(path string) string {
	// Group paths like /api/v1/files/3f1a... -> /api/v1/files/:id so
	// every file does not mint its own label value.
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isDigits(seg) {
			segments[i] = ":id"
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
		}
	}
	path = strings.Join(segments, "/")

	if len(path) > 50 {
		return "long_path" // Prevent cardinality explosion
	}
	return path
}

// isDigits reports whether s is entirely ASCII digits.
func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// statusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
