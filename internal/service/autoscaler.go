package service

import (
	"context"
	"time"

	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"go.uber.org/zap"
)

// AutoScalerConfig tunes the request-rate driven scaling loop
type AutoScalerConfig struct {
	Interval time.Duration
	// TargetRequestsPerReplica is the per-replica request rate (per second)
	// above which a deployment grows by one replica
	TargetRequestsPerReplica float64
	// ScaleDownRatio is the fraction of the target below which a deployment
	// shrinks by one replica
	ScaleDownRatio float64
	MinReplicas    int
	MaxReplicas    int
}

// Proposal is one replica change the autoscaler decided on
type Proposal struct {
	DeploymentID   string
	From           int
	To             int
	RatePerReplica float64
}

type sample struct {
	count uint64
	at    time.Time
}

// AutoScaler watches request counters of Running deployments and submits
// replica changes through the scheduler, so every change passes admission
type AutoScaler struct {
	scheduler *Scheduler
	cfg       AutoScalerConfig
	last      map[string]sample
	clock     func() time.Time
	logger    *zap.Logger
}

// NewAutoScaler creates a new autoscaler
func NewAutoScaler(scheduler *Scheduler, cfg AutoScalerConfig, logger *zap.Logger) *AutoScaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinReplicas < 1 {
		cfg.MinReplicas = 1
	}
	if cfg.ScaleDownRatio <= 0 || cfg.ScaleDownRatio >= 1 {
		cfg.ScaleDownRatio = 0.3
	}
	return &AutoScaler{
		scheduler: scheduler,
		cfg:       cfg,
		last:      make(map[string]sample),
		clock:     time.Now,
		logger:    logger,
	}
}

// Run evaluates every interval until ctx is canceled
func (a *AutoScaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("Autoscaler started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Float64("target_requests_per_replica", a.cfg.TargetRequestsPerReplica))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Autoscaler stopped")
			return nil
		case <-ticker.C:
			a.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass and returns the proposals that were admitted
func (a *AutoScaler) Evaluate(ctx context.Context) []Proposal {
	deployments, err := a.scheduler.List(ctx, "")
	if err != nil {
		a.logger.Error("Autoscaler failed to list deployments", zap.Error(err))
		return nil
	}

	now := a.clock()
	seen := make(map[string]struct{}, len(deployments))
	applied := make([]Proposal, 0)

	for _, d := range deployments {
		if d.Status != model.StatusRunning {
			continue
		}
		seen[d.DeploymentID] = struct{}{}

		prev, ok := a.last[d.DeploymentID]
		a.last[d.DeploymentID] = sample{count: d.RequestCount, at: now}
		if !ok {
			continue
		}

		p, ok := a.propose(d, prev, now)
		if !ok {
			continue
		}

		if err := a.scheduler.Scale(ctx, p.DeploymentID, p.To); err != nil {
			a.logger.Debug("Autoscaler proposal not applied",
				zap.String("deployment_id", p.DeploymentID),
				zap.Int("to_replicas", p.To),
				zap.String("reason", string(apierrors.KindOf(err))))
			continue
		}
		a.logger.Info("Autoscaler resized deployment",
			zap.String("deployment_id", p.DeploymentID),
			zap.Int("from_replicas", p.From),
			zap.Int("to_replicas", p.To),
			zap.Float64("rate_per_replica", p.RatePerReplica))
		applied = append(applied, p)
	}

	for id := range a.last {
		if _, ok := seen[id]; !ok {
			delete(a.last, id)
		}
	}

	return applied
}

func (a *AutoScaler) propose(d *model.TenantDeployment, prev sample, now time.Time) (Proposal, bool) {
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 || d.Replicas < 1 || a.cfg.TargetRequestsPerReplica <= 0 {
		return Proposal{}, false
	}

	rate := float64(d.RequestCount-prev.count) / elapsed / float64(d.Replicas)
	p := Proposal{DeploymentID: d.DeploymentID, From: d.Replicas, RatePerReplica: rate}

	switch {
	case rate > a.cfg.TargetRequestsPerReplica:
		p.To = d.Replicas + 1
		if a.cfg.MaxReplicas > 0 && p.To > a.cfg.MaxReplicas {
			return Proposal{}, false
		}
	case rate < a.cfg.TargetRequestsPerReplica*a.cfg.ScaleDownRatio && d.Replicas > a.cfg.MinReplicas:
		p.To = d.Replicas - 1
	default:
		return Proposal{}, false
	}
	return p, true
}
