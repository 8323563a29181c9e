package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tridentbiz/adios-multi-tenant-serving/internal/admission"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/aggregate"
	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/lifecycle"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
	"go.uber.org/zap"
)

// EventRecorder receives lifecycle and admission events for monitoring
type EventRecorder interface {
	RecordTransition(from, to model.DeploymentStatus)
	RecordAdmission(predicate string, allowed bool, reason string)
	RecordServedRequest(tenantID string, latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordTransition(model.DeploymentStatus, model.DeploymentStatus) {}
func (noopRecorder) RecordAdmission(string, bool, string)                            {}
func (noopRecorder) RecordServedRequest(string, time.Duration)                       {}

type transition struct {
	from, to model.DeploymentStatus
}

// Scheduler is the entry point for every deployment operation. Admission
// and the store mutation it gates run in one exclusive store transaction.
type Scheduler struct {
	store       *store.DeploymentStore
	policy      *admission.Policy
	cfg         model.PluginConfig
	aggregator  *aggregate.Aggregator
	idempotency *IdempotencyService
	recorder    EventRecorder
	logger      *zap.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(
	deploymentStore *store.DeploymentStore,
	policy *admission.Policy,
	cfg model.PluginConfig,
	aggregator *aggregate.Aggregator,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		store:      deploymentStore,
		policy:     policy,
		cfg:        cfg,
		aggregator: aggregator,
		recorder:   noopRecorder{},
		logger:     logger,
	}
}

// SetRecorder installs the monitoring sink
func (s *Scheduler) SetRecorder(r EventRecorder) {
	if r == nil {
		r = noopRecorder{}
	}
	s.recorder = r
}

// SetIdempotency enables Idempotency-Key handling for deploys
func (s *Scheduler) SetIdempotency(svc *IdempotencyService) {
	s.idempotency = svc
}

// Config returns the session policy
func (s *Scheduler) Config() model.PluginConfig {
	return s.cfg
}

// Predicates returns the admission chain in evaluation order
func (s *Scheduler) Predicates() []string {
	return s.policy.Predicates()
}

// Deploy admits and records a new deployment in the Deploying state
func (s *Scheduler) Deploy(ctx context.Context, tenantID, modelName string, replicas int) (*model.TenantDeployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case tenantID == "":
		return nil, apierrors.InvalidArgument("tenant_id is required")
	case modelName == "":
		return nil, apierrors.InvalidArgument("model_name is required")
	case replicas < 1:
		return nil, apierrors.InvalidArgument("replicas must be at least 1")
	}
	s.expireIfOverdue()

	var created *model.TenantDeployment
	var decision admission.Decision
	var expired []transition

	err := s.store.Update(func(tx *store.Tx) error {
		expired = s.expireInTx(tx)

		if existing, ok := tx.FindActive(tenantID, modelName); ok {
			return apierrors.DuplicateTenantModel(tenantID, modelName, existing.DeploymentID)
		}

		decision = s.policy.Admit(tx, admission.Request{
			TenantID: tenantID,
			Replicas: replicas,
		})
		if !decision.Allowed {
			return decision.Err()
		}

		d, err := tx.Create(tenantID, modelName, replicas)
		if err != nil {
			return err
		}
		created = d
		return nil
	})

	s.recordDecision(decision)
	if err != nil {
		s.logger.Info("Deploy rejected",
			zap.String("tenant_id", tenantID),
			zap.String("model_name", modelName),
			zap.Int("replicas", replicas),
			zap.String("reason", string(apierrors.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	s.recordTransitions(expired)
	s.logger.Info("Deployment created",
		zap.String("deployment_id", created.DeploymentID),
		zap.String("tenant_id", tenantID),
		zap.String("model_name", modelName),
		zap.Int("replicas", replicas))

	return created, nil
}

// DeployIdempotent behaves like Deploy but replays the original result when
// the same idempotency key is seen again for the tenant. The bool reports a
// replay.
func (s *Scheduler) DeployIdempotent(ctx context.Context, key, tenantID, modelName string, replicas int) (*model.TenantDeployment, bool, error) {
	if key == "" || s.idempotency == nil {
		d, err := s.Deploy(ctx, tenantID, modelName, replicas)
		return d, false, err
	}

	deploymentID, found, err := s.idempotency.Lookup(ctx, tenantID, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed, deploying without replay protection",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
	if found {
		d, err := s.Get(ctx, deploymentID)
		if err == nil {
			s.logger.Debug("Replaying idempotent deploy",
				zap.String("tenant_id", tenantID),
				zap.String("deployment_id", deploymentID))
			return d, true, nil
		}
		s.logger.Debug("Idempotent deployment no longer exists, deploying again",
			zap.String("deployment_id", deploymentID))
	}

	d, err := s.Deploy(ctx, tenantID, modelName, replicas)
	if err != nil {
		return nil, false, err
	}

	if err := s.idempotency.Remember(ctx, tenantID, key, d.DeploymentID); err != nil {
		s.logger.Warn("Failed to store idempotency key",
			zap.String("tenant_id", tenantID),
			zap.String("deployment_id", d.DeploymentID),
			zap.Error(err))
	}

	return d, false, nil
}

// Scale starts resizing a Running deployment. Scaling to the current size
// is a no-op. Growing is admitted against the tenant and pool limits;
// shrinking only releases capacity and is not.
func (s *Scheduler) Scale(ctx context.Context, deploymentID string, replicas int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if replicas < 1 {
		return apierrors.InvalidArgument("replicas must be at least 1")
	}
	s.expireIfOverdue()

	var decision admission.Decision
	var changes []transition
	var from int

	err := s.store.Update(func(tx *store.Tx) error {
		changes = s.expireInTx(tx)

		d, err := tx.Get(deploymentID)
		if err != nil {
			return err
		}
		if d.Status == model.StatusRunning && d.Replicas == replicas {
			return nil
		}
		if err := lifecycle.Validate(deploymentID, d.Status, model.StatusScaling); err != nil {
			return err
		}

		if replicas > d.Replicas {
			decision = s.policy.Admit(tx, admission.Request{
				TenantID:     d.TenantID,
				Replicas:     replicas,
				DeploymentID: deploymentID,
			})
			if !decision.Allowed {
				return decision.Err()
			}
		}

		if err := tx.BeginScale(deploymentID, replicas); err != nil {
			return err
		}
		from = d.Replicas
		changes = append(changes, transition{model.StatusRunning, model.StatusScaling})
		return nil
	})

	s.recordDecision(decision)
	if err != nil {
		s.logger.Info("Scale rejected",
			zap.String("deployment_id", deploymentID),
			zap.Int("replicas", replicas),
			zap.Error(err))
		return err
	}

	s.recordTransitions(changes)
	if from != 0 {
		s.logger.Info("Deployment scaling",
			zap.String("deployment_id", deploymentID),
			zap.Int("from_replicas", from),
			zap.Int("to_replicas", replicas))
	}
	return nil
}

// Stop moves a Running deployment to Stopped
func (s *Scheduler) Stop(ctx context.Context, deploymentID string) error {
	return s.transition(ctx, deploymentID, model.StatusStopped, "")
}

// MarkRunning reports that provisioning or scaling completed
func (s *Scheduler) MarkRunning(ctx context.Context, deploymentID string) error {
	return s.transition(ctx, deploymentID, model.StatusRunning, "")
}

// MarkFailed reports a provisioning error, health-check failure or scaling
// error
func (s *Scheduler) MarkFailed(ctx context.Context, deploymentID, reason string) error {
	if reason == "" {
		reason = "reported failed"
	}
	return s.transition(ctx, deploymentID, model.StatusFailed, reason)
}

// RecordRequest counts one completed request and feeds its latency to the
// rolling average
func (s *Scheduler) RecordRequest(ctx context.Context, deploymentID string, latency time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if latency < 0 {
		return apierrors.InvalidArgument("latency must not be negative")
	}
	s.expireIfOverdue()

	var tenantID string
	var expired []transition
	err := s.store.Update(func(tx *store.Tx) error {
		expired = s.expireInTx(tx)
		if err := tx.RecordRequest(deploymentID); err != nil {
			return err
		}
		d, err := tx.Get(deploymentID)
		if err != nil {
			return err
		}
		tenantID = d.TenantID
		return nil
	})
	if err != nil {
		return err
	}

	s.recordTransitions(expired)
	s.aggregator.ObserveLatency(float64(latency) / float64(time.Millisecond))
	s.recorder.RecordServedRequest(tenantID, latency)
	return nil
}

// Remove deletes a Stopped or Failed deployment. Removing a failed
// deployment releases its reserved capacity and lifts any quarantine it
// caused.
func (s *Scheduler) Remove(ctx context.Context, deploymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.expireIfOverdue()

	var expired []transition
	err := s.store.Update(func(tx *store.Tx) error {
		expired = s.expireInTx(tx)
		return tx.Remove(deploymentID)
	})
	if err != nil {
		return err
	}

	s.recordTransitions(expired)
	s.logger.Info("Deployment removed", zap.String("deployment_id", deploymentID))
	return nil
}

// Get returns one deployment
func (s *Scheduler) Get(ctx context.Context, deploymentID string) (*model.TenantDeployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.expireIfOverdue()
	return s.store.Get(deploymentID)
}

// List returns every deployment, or only the tenant's when tenantID is set
func (s *Scheduler) List(ctx context.Context, tenantID string) ([]*model.TenantDeployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.expireIfOverdue()

	var out []*model.TenantDeployment
	err := s.store.View(func(tx *store.Tx) error {
		if tenantID != "" {
			out = tx.ForTenant(tenantID)
		} else {
			out = tx.List()
		}
		return nil
	})
	return out, err
}

// Metrics returns the current aggregate snapshot
func (s *Scheduler) Metrics(ctx context.Context) (model.SystemMetrics, error) {
	if err := ctx.Err(); err != nil {
		return model.SystemMetrics{}, err
	}
	s.expireIfOverdue()
	return s.aggregator.Snapshot(), nil
}

// ExpireOverdue fails every Deploying deployment past its provisioning
// timeout. It implements lifecycle.Expirer.
func (s *Scheduler) ExpireOverdue(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var expired []transition
	err := s.store.Update(func(tx *store.Tx) error {
		expired = s.expireInTx(tx)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.recordTransitions(expired)
	return len(expired), nil
}

func (s *Scheduler) transition(ctx context.Context, deploymentID string, to model.DeploymentStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.expireIfOverdue()

	var changes []transition
	err := s.store.Update(func(tx *store.Tx) error {
		changes = s.expireInTx(tx)

		d, err := tx.Get(deploymentID)
		if err != nil {
			return err
		}
		if to == model.StatusFailed {
			err = tx.Fail(deploymentID, reason)
		} else {
			err = tx.UpdateStatus(deploymentID, to)
		}
		if err != nil {
			return err
		}
		changes = append(changes, transition{d.Status, to})
		return nil
	})
	if err != nil {
		s.logger.Info("Transition rejected",
			zap.String("deployment_id", deploymentID),
			zap.String("to", string(to)),
			zap.Error(err))
		return err
	}

	s.recordTransitions(changes)
	last := changes[len(changes)-1]
	s.logger.Info("Deployment transitioned",
		zap.String("deployment_id", deploymentID),
		zap.String("from", string(last.from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

// expireInTx fails overdue Deploying deployments inside a write transaction.
// A rolled back transaction also rolls back its expiries, so write paths
// run expireIfOverdue first and commit deadlines on their own.
func (s *Scheduler) expireInTx(tx *store.Tx) []transition {
	timeout := s.cfg.DeployingTimeout
	if timeout <= 0 {
		return nil
	}

	var out []transition
	for _, id := range tx.IDsWithStatus(model.StatusDeploying) {
		d, err := tx.Get(id)
		if err != nil || !lifecycle.Overdue(d, tx.Now(), timeout) {
			continue
		}
		reason := fmt.Sprintf("%s: not running within %s", apierrors.KindProvisioningTimeout, timeout)
		if err := tx.Fail(id, reason); err != nil {
			s.logger.Error("Failed to expire deployment", zap.String("deployment_id", id), zap.Error(err))
			continue
		}
		s.logger.Warn("Deployment exceeded provisioning timeout",
			zap.String("deployment_id", id),
			zap.String("tenant_id", d.TenantID),
			zap.Duration("timeout", timeout))
		out = append(out, transition{model.StatusDeploying, model.StatusFailed})
	}
	return out
}

// expireIfOverdue checks under the shared lock and only takes the write
// lock when something has actually expired
func (s *Scheduler) expireIfOverdue() {
	timeout := s.cfg.DeployingTimeout
	if timeout <= 0 {
		return
	}

	overdue := false
	_ = s.store.View(func(tx *store.Tx) error {
		for _, id := range tx.IDsWithStatus(model.StatusDeploying) {
			if d, err := tx.Get(id); err == nil && lifecycle.Overdue(d, tx.Now(), timeout) {
				overdue = true
				return nil
			}
		}
		return nil
	})
	if !overdue {
		return
	}

	if _, err := s.ExpireOverdue(context.Background()); err != nil {
		s.logger.Error("Failed to expire overdue deployments", zap.Error(err))
	}
}

func (s *Scheduler) recordTransitions(changes []transition) {
	for _, c := range changes {
		s.recorder.RecordTransition(c.from, c.to)
	}
}

func (s *Scheduler) recordDecision(d admission.Decision) {
	if d.Allowed {
		s.recorder.RecordAdmission("", true, "")
		return
	}
	if d.Reason != "" {
		s.recorder.RecordAdmission(d.Predicate, false, string(d.Reason))
	}
}
