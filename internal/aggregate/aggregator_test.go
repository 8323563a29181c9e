package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
	"go.uber.org/zap"
)

func TestCompute(t *testing.T) {
	deployments := []*model.TenantDeployment{
		{DeploymentID: "a", Status: model.StatusRunning, RequestCount: 10},
		{DeploymentID: "b", Status: model.StatusScaling, RequestCount: 5},
		{DeploymentID: "c", Status: model.StatusDeploying},
		{DeploymentID: "d", Status: model.StatusStopped, RequestCount: 2},
		{DeploymentID: "e", Status: model.StatusFailed},
	}

	m := Compute(deployments, 7, 100, 12.5)

	assert.Equal(t, uint64(7), m.TotalDeployments)
	assert.Equal(t, 2, m.ActiveDeployments)
	assert.Equal(t, uint64(117), m.TotalRequests)
	assert.Equal(t, 12.5, m.AverageLatencyMs)
	assert.Equal(t, 1, m.ByStatus[model.StatusRunning])
	assert.Equal(t, 1, m.ByStatus[model.StatusFailed])
}

func TestCompute_Empty(t *testing.T) {
	m := Compute(nil, 0, 0, 0)

	assert.Zero(t, m.TotalDeployments)
	assert.Zero(t, m.ActiveDeployments)
	assert.Zero(t, m.TotalRequests)
	assert.Len(t, m.ByStatus, len(model.AllStatuses))
}

func TestLatencyWindow(t *testing.T) {
	t.Run("empty window averages to zero", func(t *testing.T) {
		w := NewLatencyWindow(4)
		assert.Zero(t, w.Average())
	})

	t.Run("mean of partial window", func(t *testing.T) {
		w := NewLatencyWindow(4)
		w.Observe(10)
		w.Observe(20)
		assert.InDelta(t, 15.0, w.Average(), 1e-9)
	})

	t.Run("oldest samples roll off", func(t *testing.T) {
		w := NewLatencyWindow(3)
		for _, ms := range []float64{100, 100, 100, 1, 2, 3} {
			w.Observe(ms)
		}
		assert.InDelta(t, 2.0, w.Average(), 1e-9)
		assert.Equal(t, uint64(6), w.Observed())
	})

	t.Run("negative samples ignored", func(t *testing.T) {
		w := NewLatencyWindow(3)
		w.Observe(-5)
		w.Observe(6)
		assert.InDelta(t, 6.0, w.Average(), 1e-9)
		assert.Equal(t, uint64(1), w.Observed())
	})

	t.Run("default size", func(t *testing.T) {
		w := NewLatencyWindow(0)
		assert.Len(t, w.samples, DefaultLatencyWindow)
	})
}

func TestAggregator_Snapshot(t *testing.T) {
	s := store.NewDeploymentStore(zap.NewNop())
	a := NewAggregator(s, NewLatencyWindow(8))

	id, err := s.Create("acme", "llama", 1)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(id, model.StatusRunning))
	require.NoError(t, s.RecordRequest(id))
	require.NoError(t, s.RecordRequest(id))
	a.ObserveLatency(40)
	a.ObserveLatency(60)

	m := a.Snapshot()
	assert.Equal(t, uint64(1), m.TotalDeployments)
	assert.Equal(t, 1, m.ActiveDeployments)
	assert.Equal(t, uint64(2), m.TotalRequests)
	assert.InDelta(t, 50.0, m.AverageLatencyMs, 1e-9)

	// removed deployments keep counting towards totals
	require.NoError(t, s.UpdateStatus(id, model.StatusStopped))
	require.NoError(t, s.Remove(id))

	m = a.Snapshot()
	assert.Equal(t, uint64(1), m.TotalDeployments)
	assert.Equal(t, 0, m.ActiveDeployments)
	assert.Equal(t, uint64(2), m.TotalRequests)
}
