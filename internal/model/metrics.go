package model

// SystemMetrics is a derived snapshot of the deployment table
type SystemMetrics struct {
	TotalDeployments  uint64                   `json:"total_deployments"`
	ActiveDeployments int                      `json:"active_deployments"`
	TotalRequests     uint64                   `json:"total_requests"`
	AverageLatencyMs  float64                  `json:"average_latency_ms"`
	ByStatus          map[DeploymentStatus]int `json:"by_status"`
}
