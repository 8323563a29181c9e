package admission

import (
	"fmt"

	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

// Quarantine denies tenants holding a reserved failed deployment while
// resource isolation is on. Removing the failed deployment clears it.
type Quarantine struct {
	Enabled bool
}

func (Quarantine) Name() string { return "quarantine" }

func (q Quarantine) Evaluate(view View, req Request) *Decision {
	if !q.Enabled {
		return nil
	}
	for _, d := range view.ForTenant(req.TenantID) {
		if d.Status == model.StatusFailed && d.Reserved {
			return Deny(apierrors.KindTenantQuarantined,
				fmt.Sprintf("tenant %s is quarantined: deployment %s failed and still holds reserved capacity",
					req.TenantID, d.DeploymentID))
		}
	}
	return nil
}

// ReplicaLimit caps the replicas a tenant may hold across its non-terminal
// deployments
type ReplicaLimit struct {
	MaxPerTenant int
}

func (ReplicaLimit) Name() string { return "replica_limit" }

func (r ReplicaLimit) Evaluate(view View, req Request) *Decision {
	if r.MaxPerTenant <= 0 {
		return nil
	}
	held := 0
	for _, d := range view.ForTenant(req.TenantID) {
		if d.Status.IsTerminal() || d.DeploymentID == req.DeploymentID {
			continue
		}
		held += d.ClaimedReplicas()
	}
	if held+req.Replicas > r.MaxPerTenant {
		return Deny(apierrors.KindReplicaLimitExceeded,
			fmt.Sprintf("tenant %s holds %d replicas; %d more would exceed the limit of %d",
				req.TenantID, held, req.Replicas, r.MaxPerTenant))
	}
	return nil
}

// ExclusiveGPU refuses requests that would have to share a GPU slot already
// claimed by another tenant when sharing is disabled. A tenant may pack its
// own deployments onto the slots it holds. Slots == 0 means the pool is
// unbounded.
type ExclusiveGPU struct {
	SharingEnabled bool
	Slots          int
}

func (ExclusiveGPU) Name() string { return "exclusive_gpu" }

func (g ExclusiveGPU) Evaluate(view View, req Request) *Decision {
	if g.SharingEnabled || g.Slots <= 0 {
		return nil
	}
	claimedByOthers := 0
	for _, d := range view.List() {
		if d.TenantID == req.TenantID {
			continue
		}
		claimedByOthers += d.ClaimedReplicas()
	}
	free := g.Slots - claimedByOthers
	if free < 0 {
		free = 0
	}
	if req.Replicas > free {
		return Deny(apierrors.KindExclusiveGPURequired,
			fmt.Sprintf("%d replicas requested but only %d of %d GPU slots are not claimed by other tenants and sharing is disabled",
				req.Replicas, free, g.Slots))
	}
	return nil
}
