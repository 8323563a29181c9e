// Package aggregate derives system-wide metrics from the deployment table.
// Nothing here mutates deployment records.
package aggregate

import (
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
)

// Compute derives SystemMetrics from a set of live deployments and the
// counters the store retains for removed ones
func Compute(deployments []*model.TenantDeployment, createdTotal, retainedRequests uint64, averageLatencyMs float64) model.SystemMetrics {
	m := model.SystemMetrics{
		TotalDeployments: createdTotal,
		TotalRequests:    retainedRequests,
		AverageLatencyMs: averageLatencyMs,
		ByStatus:         make(map[model.DeploymentStatus]int, len(model.AllStatuses)),
	}
	for _, s := range model.AllStatuses {
		m.ByStatus[s] = 0
	}

	for _, d := range deployments {
		m.ByStatus[d.Status]++
		m.TotalRequests += d.RequestCount
		if d.Status.IsActive() {
			m.ActiveDeployments++
		}
	}

	return m
}

// Aggregator reads the store under its shared lock and combines the result
// with the latency window
type Aggregator struct {
	store   *store.DeploymentStore
	latency *LatencyWindow
}

// NewAggregator creates a new aggregator
func NewAggregator(s *store.DeploymentStore, latency *LatencyWindow) *Aggregator {
	return &Aggregator{
		store:   s,
		latency: latency,
	}
}

// ObserveLatency feeds one completed request latency in milliseconds
func (a *Aggregator) ObserveLatency(ms float64) {
	a.latency.Observe(ms)
}

// Snapshot returns the current SystemMetrics
func (a *Aggregator) Snapshot() model.SystemMetrics {
	var m model.SystemMetrics
	_ = a.store.View(func(tx *store.Tx) error {
		created, retained := tx.Totals()
		m = Compute(tx.List(), created, retained, a.latency.Average())
		return nil
	})
	return m
}
