// Package metrics provides Prometheus metrics for the serving control plane.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	transitionsTotal *prometheus.CounterVec
	admissionsTotal  *prometheus.CounterVec
	servedRequests   *prometheus.CounterVec
	servedLatency    prometheus.Histogram
	healthStatus     prometheus.Gauge
}

var (
	globalMetrics *Metrics
	once          sync.Once
)

// NewMetrics creates and registers Prometheus metrics once per process.
func NewMetrics() *Metrics {
	once.Do(func() {
		globalMetrics = &Metrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantserve_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "route", "status"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tenantserve_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				},
				[]string{"method", "route"},
			),
			requestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tenantserve_http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),
			transitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantserve_deployment_transitions_total",
					Help: "Deployment status transitions",
				},
				[]string{"from", "to"},
			),
			admissionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantserve_admission_decisions_total",
					Help: "Admission decisions by outcome and denying predicate",
				},
				[]string{"outcome", "predicate", "reason"},
			),
			servedRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantserve_served_requests_total",
					Help: "Inference requests reported as served, by tenant",
				},
				[]string{"tenant_id"},
			),
			servedLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tenantserve_served_request_latency_seconds",
					Help:    "Reported latency of served inference requests",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
				},
			),
			healthStatus: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tenantserve_health_status",
					Help: "Health status of the service (1 = healthy, 0 = unhealthy)",
				},
			),
		}
	})
	return globalMetrics
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(from, to model.DeploymentStatus) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordAdmission counts an admission decision.
func (m *Metrics) RecordAdmission(predicate string, allowed bool, reason string) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.admissionsTotal.WithLabelValues(outcome, predicate, reason).Inc()
}

// RecordServedRequest counts one served inference request.
func (m *Metrics) RecordServedRequest(tenantID string, latency time.Duration) {
	m.servedRequests.WithLabelValues(tenantID).Inc()
	m.servedLatency.Observe(latency.Seconds())
}

// SetHealthStatus sets the health status.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
