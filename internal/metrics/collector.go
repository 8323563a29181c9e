package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

// SnapshotFunc returns the current aggregate metrics
type SnapshotFunc func() model.SystemMetrics

// SnapshotCollector exports the aggregate snapshot on every scrape
type SnapshotCollector struct {
	snapshot SnapshotFunc

	totalDeployments  *prometheus.Desc
	activeDeployments *prometheus.Desc
	totalRequests     *prometheus.Desc
	averageLatency    *prometheus.Desc
	byStatus          *prometheus.Desc
}

// NewSnapshotCollector creates a collector around a snapshot source
func NewSnapshotCollector(snapshot SnapshotFunc) *SnapshotCollector {
	return &SnapshotCollector{
		snapshot: snapshot,
		totalDeployments: prometheus.NewDesc(
			"tenantserve_deployments_created_total",
			"Deployments ever created", nil, nil),
		activeDeployments: prometheus.NewDesc(
			"tenantserve_deployments_active",
			"Deployments currently running or scaling", nil, nil),
		totalRequests: prometheus.NewDesc(
			"tenantserve_requests_recorded_total",
			"Requests recorded across all deployments, including removed ones", nil, nil),
		averageLatency: prometheus.NewDesc(
			"tenantserve_request_latency_average_ms",
			"Rolling average request latency in milliseconds", nil, nil),
		byStatus: prometheus.NewDesc(
			"tenantserve_deployments",
			"Deployments by lifecycle status", []string{"status"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDeployments
	ch <- c.activeDeployments
	ch <- c.totalRequests
	ch <- c.averageLatency
	ch <- c.byStatus
}

// Collect implements prometheus.Collector
func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.totalDeployments, prometheus.CounterValue, float64(m.TotalDeployments))
	ch <- prometheus.MustNewConstMetric(c.activeDeployments, prometheus.GaugeValue, float64(m.ActiveDeployments))
	ch <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(m.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.averageLatency, prometheus.GaugeValue, m.AverageLatencyMs)
	for _, s := range model.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(m.ByStatus[s]), string(s))
	}
}
