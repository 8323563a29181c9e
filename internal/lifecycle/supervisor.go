package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer fails every deployment whose provisioning deadline has passed and
// returns how many it failed.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Supervisor periodically drives overdue Deploying deployments to Failed
type Supervisor struct {
	expirer  Expirer
	interval time.Duration
	logger   *zap.Logger
}

// NewSupervisor creates a new supervisor
func NewSupervisor(expirer Expirer, interval time.Duration, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{
		expirer:  expirer,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is canceled
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Deployment supervisor started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Deployment supervisor stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one expiry pass
func (s *Supervisor) Tick(ctx context.Context) {
	n, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error("Failed to expire overdue deployments", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("Failed deployments that exceeded the provisioning timeout",
			zap.Int("count", n))
	}
}
