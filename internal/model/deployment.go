package model

import "time"

// DeploymentStatus represents the lifecycle state of a tenant deployment
type DeploymentStatus string

const (
	StatusDeploying DeploymentStatus = "deploying"
	StatusRunning   DeploymentStatus = "running"
	StatusScaling   DeploymentStatus = "scaling"
	StatusStopped   DeploymentStatus = "stopped"
	StatusFailed    DeploymentStatus = "failed"
)

// AllStatuses lists every lifecycle state in declaration order
var AllStatuses = []DeploymentStatus{
	StatusDeploying,
	StatusRunning,
	StatusScaling,
	StatusStopped,
	StatusFailed,
}

// IsTerminal reports whether no further status transition is possible
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// IsActive reports whether the deployment is serving or resizing
func (s DeploymentStatus) IsActive() bool {
	return s == StatusRunning || s == StatusScaling
}

// IsValid reports whether s is a known status
func (s DeploymentStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TenantDeployment is one model instance serving a tenant
type TenantDeployment struct {
	DeploymentID   string           `json:"deployment_id"`
	TenantID       string           `json:"tenant_id"`
	ModelName      string           `json:"model_name"`
	Status         DeploymentStatus `json:"status"`
	Replicas       int              `json:"replicas"`
	TargetReplicas int              `json:"target_replicas,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	LastRequest    time.Time        `json:"last_request"`
	RequestCount   uint64           `json:"request_count"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	// Reserved is set while a failed deployment still holds its capacity
	Reserved bool  `json:"reserved,omitempty"`
	Version  int64 `json:"version"` // bumped on every mutation
}

// Clone returns a deep copy safe to hand out of the store
func (d *TenantDeployment) Clone() *TenantDeployment {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// ClaimedReplicas is the replica count the deployment currently holds
// against capacity. A scaling deployment holds the larger of its current
// and target sizes; a reserved failure keeps what it had.
func (d *TenantDeployment) ClaimedReplicas() int {
	switch {
	case d.Status == StatusScaling && d.TargetReplicas > d.Replicas:
		return d.TargetReplicas
	case d.Status.IsTerminal() && !(d.Status == StatusFailed && d.Reserved):
		return 0
	default:
		return d.Replicas
	}
}
