package store

import (
	"errors"
	"sort"
	"time"

	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/lifecycle"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

var errReadOnly = errors.New("write attempted in a read-only transaction")

// Tx is a view of the store valid only inside Update or View. Every
// operation is checked before it mutates anything.
type Tx struct {
	s        *DeploymentStore
	writable bool
	now      time.Time

	// undo holds the pre-transaction copy of each touched record, nil if
	// the record was created inside the transaction
	undo    map[string]*model.TenantDeployment
	order   []string
	removed map[string]*model.TenantDeployment

	createdTotal     uint64
	retainedRequests uint64
}

// Now is the timestamp applied to every mutation in this transaction
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Get returns a copy of the deployment
func (tx *Tx) Get(deploymentID string) (*model.TenantDeployment, error) {
	d, ok := tx.s.deployments[deploymentID]
	if !ok {
		return nil, apierrors.NotFound(deploymentID)
	}
	return d.Clone(), nil
}

// List returns copies of every deployment ordered by creation time
func (tx *Tx) List() []*model.TenantDeployment {
	out := make([]*model.TenantDeployment, 0, len(tx.s.deployments))
	for _, d := range tx.s.deployments {
		out = append(out, d.Clone())
	}
	sortByCreation(out)
	return out
}

// ForTenant returns copies of the tenant's deployments
func (tx *Tx) ForTenant(tenantID string) []*model.TenantDeployment {
	out := make([]*model.TenantDeployment, 0)
	for _, d := range tx.s.deployments {
		if d.TenantID == tenantID {
			out = append(out, d.Clone())
		}
	}
	sortByCreation(out)
	return out
}

// FindActive returns the non-terminal deployment for a tenant/model pair
func (tx *Tx) FindActive(tenantID, modelName string) (*model.TenantDeployment, bool) {
	id, ok := tx.s.active[pairKey(tenantID, modelName)]
	if !ok {
		return nil, false
	}
	return tx.s.deployments[id].Clone(), true
}

// IDsWithStatus returns the ids of every deployment in the given status
func (tx *Tx) IDsWithStatus(status model.DeploymentStatus) []string {
	ids := make([]string, 0)
	for id, d := range tx.s.deployments {
		if d.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Totals returns created and retained counters as seen by this transaction
func (tx *Tx) Totals() (createdTotal, retainedRequests uint64) {
	return tx.s.createdTotal, tx.s.retainedRequests
}

// Create inserts a new Deploying deployment
func (tx *Tx) Create(tenantID, modelName string, replicas int) (*model.TenantDeployment, error) {
	if !tx.writable {
		return nil, apierrors.Internal("create deployment", errReadOnly)
	}
	if tenantID == "" {
		return nil, apierrors.InvalidArgument("tenant_id is required")
	}
	if modelName == "" {
		return nil, apierrors.InvalidArgument("model_name is required")
	}
	if replicas < 1 {
		return nil, apierrors.InvalidArgument("replicas must be at least 1")
	}

	key := pairKey(tenantID, modelName)
	if existing, ok := tx.s.active[key]; ok {
		return nil, apierrors.DuplicateTenantModel(tenantID, modelName, existing)
	}

	id := tx.s.newID()
	if _, taken := tx.s.deployments[id]; taken {
		return nil, apierrors.Internal("create deployment", errors.New("deployment id collision: "+id))
	}

	d := &model.TenantDeployment{
		DeploymentID: id,
		TenantID:     tenantID,
		ModelName:    modelName,
		Status:       model.StatusDeploying,
		Replicas:     replicas,
		CreatedAt:    tx.now,
		UpdatedAt:    tx.now,
		LastRequest:  tx.now,
		Version:      1,
	}

	tx.touch(id)
	tx.s.deployments[id] = d
	tx.s.active[key] = id
	tx.s.createdTotal++

	return d.Clone(), nil
}

// UpdateStatus applies one state machine transition
func (tx *Tx) UpdateStatus(deploymentID string, to model.DeploymentStatus) error {
	if !tx.writable {
		return apierrors.Internal("update status", errReadOnly)
	}
	d, ok := tx.s.deployments[deploymentID]
	if !ok {
		return apierrors.NotFound(deploymentID)
	}
	if err := lifecycle.Validate(deploymentID, d.Status, to); err != nil {
		return err
	}

	tx.touch(deploymentID)
	from := d.Status
	d.Status = to

	switch {
	case from == model.StatusScaling && to == model.StatusRunning:
		d.Replicas = d.TargetReplicas
		d.TargetReplicas = 0
	case from == model.StatusScaling:
		d.TargetReplicas = 0
	}
	if to == model.StatusFailed {
		d.Reserved = true
	}
	if to.IsTerminal() {
		delete(tx.s.active, pairKey(d.TenantID, d.ModelName))
	}
	tx.bump(d)

	return nil
}

// Fail moves a deployment to Failed and records why
func (tx *Tx) Fail(deploymentID, reason string) error {
	if err := tx.UpdateStatus(deploymentID, model.StatusFailed); err != nil {
		return err
	}
	tx.s.deployments[deploymentID].FailureReason = reason
	return nil
}

// BeginScale moves a Running deployment to Scaling towards target replicas
func (tx *Tx) BeginScale(deploymentID string, target int) error {
	if target < 1 {
		return apierrors.InvalidArgument("replicas must be at least 1")
	}
	if err := tx.UpdateStatus(deploymentID, model.StatusScaling); err != nil {
		return err
	}
	tx.s.deployments[deploymentID].TargetReplicas = target
	return nil
}

// RecordRequest counts one request served by a Running deployment
func (tx *Tx) RecordRequest(deploymentID string) error {
	if !tx.writable {
		return apierrors.Internal("record request", errReadOnly)
	}
	d, ok := tx.s.deployments[deploymentID]
	if !ok {
		return apierrors.NotFound(deploymentID)
	}
	if d.Status != model.StatusRunning {
		return apierrors.DeploymentNotServing(deploymentID, string(d.Status))
	}

	tx.touch(deploymentID)
	d.RequestCount++
	if tx.now.After(d.CreatedAt) {
		d.LastRequest = tx.now
	} else {
		d.LastRequest = d.CreatedAt
	}
	tx.bump(d)

	return nil
}

// Remove deletes a Stopped or Failed deployment, keeping its request count
// in the retained total
func (tx *Tx) Remove(deploymentID string) error {
	if !tx.writable {
		return apierrors.Internal("remove deployment", errReadOnly)
	}
	d, ok := tx.s.deployments[deploymentID]
	if !ok {
		return apierrors.NotFound(deploymentID)
	}
	if !d.Status.IsTerminal() {
		return apierrors.InvalidState(deploymentID, string(d.Status), "remove")
	}

	tx.touch(deploymentID)
	tx.s.retainedRequests += d.RequestCount
	delete(tx.s.deployments, deploymentID)
	tx.removed[deploymentID] = d.Clone()

	return nil
}

func (tx *Tx) touch(deploymentID string) {
	if _, seen := tx.undo[deploymentID]; seen {
		return
	}
	tx.undo[deploymentID] = tx.s.deployments[deploymentID].Clone()
	tx.order = append(tx.order, deploymentID)
}

func (tx *Tx) bump(d *model.TenantDeployment) {
	d.UpdatedAt = tx.now
	d.Version++
}

func (tx *Tx) rollback() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		id := tx.order[i]
		orig := tx.undo[id]

		if cur, ok := tx.s.deployments[id]; ok {
			key := pairKey(cur.TenantID, cur.ModelName)
			if tx.s.active[key] == id {
				delete(tx.s.active, key)
			}
		}

		if orig == nil {
			delete(tx.s.deployments, id)
			continue
		}
		tx.s.deployments[id] = orig
		if !orig.Status.IsTerminal() {
			tx.s.active[pairKey(orig.TenantID, orig.ModelName)] = id
		}
	}
	tx.s.createdTotal = tx.createdTotal
	tx.s.retainedRequests = tx.retainedRequests
}

func (tx *Tx) change() Change {
	c := Change{
		CreatedTotal:     tx.s.createdTotal,
		RetainedRequests: tx.s.retainedRequests,
	}
	for _, id := range tx.order {
		if d, ok := tx.removed[id]; ok {
			c.Removed = append(c.Removed, d)
			continue
		}
		if d, ok := tx.s.deployments[id]; ok {
			c.Saved = append(c.Saved, d.Clone())
		}
	}
	return c
}

func sortByCreation(ds []*model.TenantDeployment) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].DeploymentID < ds[j].DeploymentID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}
