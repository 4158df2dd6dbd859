package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every Prometheus series the service exports. The pipeline
// series use fixed names because downstream dashboards and alerts key on
// them; only the server-level series carry the service prefix.
type Metrics struct {
	registry    *prometheus.Registry
	serviceName string

	// Pipeline series (fixed names)
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Predictions        *prometheus.CounterVec
	DatabaseOps        *prometheus.CounterVec
	DatabaseOpDuration *prometheus.HistogramVec
	PagerRequests      *prometheus.CounterVec
	ApplicationErrors  *prometheus.CounterVec
	SocketTimeouts     prometheus.Counter
	SigtermReceived    prometheus.Counter
	SystemHealth       *prometheus.GaugeVec

	// Standard HTTP metrics for the metrics/health server itself
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec
}

// NewMetrics creates the metric set on a private registry so test processes
// can build as many instances as they need.
func NewMetrics(serviceName, version, commit string) *Metrics {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	prefix := strings.ReplaceAll(serviceName, "-", "_")

	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		serviceName: prefix,
	}

	m.MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Clinical messages processed, by message type",
		},
		[]string{"message_type"},
	)

	m.ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_processing_seconds",
			Help:    "Time spent handling one clinical message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	m.Predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_made_total",
			Help: "Predictor invocations, by result",
		},
		[]string{"result"},
	)

	m.DatabaseOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_operations_total",
			Help: "Feature store operations, by type and status",
		},
		[]string{"operation_type", "status"},
	)

	m.DatabaseOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_operation_duration_seconds",
			Help:    "Feature store operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation_type"},
	)

	m.PagerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pager_requests_total",
			Help: "Pager POST attempts, by outcome",
		},
		[]string{"status"},
	)

	m.ApplicationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "application_errors_total",
			Help: "Recovered application errors, by type and component",
		},
		[]string{"error_type", "component"},
	)

	m.SocketTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socket_timeouts",
			Help: "Upstream socket read timeouts",
		},
	)

	m.SigtermReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigterm_counter",
			Help: "Termination signals received",
		},
	)

	m.SystemHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_health_status",
			Help: "Component health (1 healthy, 0 degraded)",
		},
		[]string{"component"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	m.registry.MustRegister(
		m.MessagesProcessed,
		m.ProcessingDuration,
		m.Predictions,
		m.DatabaseOps,
		m.DatabaseOpDuration,
		m.PagerRequests,
		m.ApplicationErrors,
		m.SocketTimeouts,
		m.SigtermReceived,
		m.SystemHealth,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.serviceInfo,
	)

	m.serviceInfo.WithLabelValues(version, commit).Set(1)

	return m
}

// RecordError counts a recovered error against its component.
func (m *Metrics) RecordError(errorType, component string) {
	m.ApplicationErrors.WithLabelValues(errorType, component).Inc()
}

// SetComponentHealth flips the health gauge for one component.
func (m *Metrics) SetComponentHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.SystemHealth.WithLabelValues(component).Set(v)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
