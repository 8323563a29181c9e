package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/workerpool"
	"go.uber.org/zap"
)

// SnapshotSource provides the authoritative table used to resync the
// repository. *store.DeploymentStore satisfies it.
type SnapshotSource interface {
	Snapshot() *store.Snapshot
}

// Persister writes committed store changes to a repository in the
// background. It implements store.ChangeObserver.
//
// A change that cannot be queued, or whose write fails, leaves the
// repository behind the store. The persister then marks itself dirty and
// replaces per-change writes with a full reconcile from a fresh snapshot
// until one is queued.
type Persister struct {
	repo    store.Repository
	source  SnapshotSource
	pool    *workerpool.Pool
	seq     uint64
	dropped uint64
	dirty   atomic.Bool
	logger  *zap.Logger
}

// NewPersister creates a persister. The pool should have a single worker
// so changes reach the repository in commit order.
func NewPersister(repo store.Repository, source SnapshotSource, pool *workerpool.Pool, logger *zap.Logger) *Persister {
	return &Persister{
		repo:   repo,
		source: source,
		pool:   pool,
		logger: logger,
	}
}

// Committed enqueues the change without blocking the store
func (p *Persister) Committed(change store.Change) {
	// The reconcile snapshot is taken when the task runs, after this
	// commit, so it covers the change.
	if p.dirty.Load() && p.scheduleReconcile() {
		return
	}

	id := fmt.Sprintf("persist-%d", atomic.AddUint64(&p.seq, 1))
	ok := p.pool.TrySubmit(workerpool.Task{
		ID: id,
		Fn: func(ctx context.Context) error {
			if err := p.repo.Apply(ctx, change); err != nil {
				p.markDirty("apply failed")
				return err
			}
			return nil
		},
	})
	if !ok {
		atomic.AddUint64(&p.dropped, 1)
		p.markDirty("queue full")
		p.logger.Warn("Persistence queue full, dropping change",
			zap.String("task_id", id),
			zap.Int("saved", len(change.Saved)),
			zap.Int("removed", len(change.Removed)))
	}
}

// Run schedules a reconcile every interval while the repository is behind.
// It covers the case where no further commit arrives after a drop.
func (p *Persister) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.dirty.Load() {
				p.scheduleReconcile()
			}
		}
	}
}

// Restore loads the repository into an empty store
func (p *Persister) Restore(ctx context.Context, s *store.DeploymentStore) error {
	snapshot, err := p.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deployments: %w", err)
	}
	return s.Restore(snapshot)
}

// Dropped returns how many changes were lost to a full queue
func (p *Persister) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Dirty reports whether the repository may be missing committed changes
func (p *Persister) Dirty() bool {
	return p.dirty.Load()
}

// Stop flushes queued changes. If the repository is still behind after the
// queue drains, a final reconcile runs within the same timeout.
func (p *Persister) Stop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	err := p.pool.Stop(timeout)

	if p.dirty.Swap(false) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		if rerr := p.reconcile(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// scheduleReconcile queues a reconcile if the repository is behind. It
// reports false only when the queue had no room.
func (p *Persister) scheduleReconcile() bool {
	if !p.dirty.Swap(false) {
		return true
	}
	id := fmt.Sprintf("reconcile-%d", atomic.AddUint64(&p.seq, 1))
	ok := p.pool.TrySubmit(workerpool.Task{ID: id, Fn: p.reconcile})
	if !ok {
		p.dirty.Store(true)
	}
	return ok
}

func (p *Persister) reconcile(ctx context.Context) error {
	snapshot := p.source.Snapshot()
	if err := p.repo.Reconcile(ctx, snapshot); err != nil {
		p.markDirty("reconcile failed")
		return fmt.Errorf("failed to reconcile deployments: %w", err)
	}
	p.logger.Info("Repository reconciled with deployment table",
		zap.Int("deployments", len(snapshot.Deployments)),
		zap.Uint64("retained_requests", snapshot.RetainedRequests))
	return nil
}

func (p *Persister) markDirty(cause string) {
	if !p.dirty.Swap(true) {
		p.logger.Warn("Repository is behind the deployment table, scheduling reconcile",
			zap.String("cause", cause))
	}
}
