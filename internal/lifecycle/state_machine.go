// Package lifecycle defines the deployment state machine and the supervisor
// that fails deployments which never finish provisioning.
package lifecycle

import (
	"time"

	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

// transitions is the complete table of allowed status changes. Terminal
// states have no entry.
var transitions = map[model.DeploymentStatus][]model.DeploymentStatus{
	model.StatusDeploying: {model.StatusRunning, model.StatusFailed},
	model.StatusRunning:   {model.StatusScaling, model.StatusStopped, model.StatusFailed},
	model.StatusScaling:   {model.StatusRunning, model.StatusFailed},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to model.DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an InvalidTransition error when from -> to is not allowed
func Validate(deploymentID string, from, to model.DeploymentStatus) error {
	if !CanTransition(from, to) {
		return apierrors.InvalidTransition(deploymentID, string(from), string(to))
	}
	return nil
}

// NextStates returns the states reachable from s in one step
func NextStates(s model.DeploymentStatus) []model.DeploymentStatus {
	out := make([]model.DeploymentStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Overdue reports whether d has been provisioning longer than timeout
func Overdue(d *model.TenantDeployment, now time.Time, timeout time.Duration) bool {
	if d.Status != model.StatusDeploying || timeout <= 0 {
		return false
	}
	return now.Sub(d.CreatedAt) >= timeout
}
