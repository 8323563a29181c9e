package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"go.uber.org/zap"
)

// Change describes what one committed write transaction did
type Change struct {
	Saved            []*model.TenantDeployment
	Removed          []*model.TenantDeployment
	CreatedTotal     uint64
	RetainedRequests uint64
}

// Empty reports whether the transaction changed nothing
func (c Change) Empty() bool {
	return len(c.Saved) == 0 && len(c.Removed) == 0
}

// ChangeObserver receives every committed change. Committed runs with the
// store's write lock held, so it must not block or call back into the store.
type ChangeObserver interface {
	Committed(change Change)
}

// Option configures a DeploymentStore
type Option func(*DeploymentStore)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *DeploymentStore) {
		s.clock = clock
	}
}

// WithIDGenerator overrides deployment id generation
func WithIDGenerator(gen func() string) Option {
	return func(s *DeploymentStore) {
		s.newID = gen
	}
}

// WithObserver registers a change observer
func WithObserver(o ChangeObserver) Option {
	return func(s *DeploymentStore) {
		s.observer = o
	}
}

// DeploymentStore is the in-memory table of tenant deployments. It is the
// only owner of deployment records; everything it returns is a copy.
type DeploymentStore struct {
	mu          sync.RWMutex
	deployments map[string]*model.TenantDeployment
	// active maps tenant/model pairs to their non-terminal deployment
	active map[string]string

	createdTotal     uint64
	retainedRequests uint64

	clock    func() time.Time
	newID    func() string
	observer ChangeObserver
	logger   *zap.Logger
}

// NewDeploymentStore creates an empty store
func NewDeploymentStore(logger *zap.Logger, opts ...Option) *DeploymentStore {
	s := &DeploymentStore{
		deployments: make(map[string]*model.TenantDeployment),
		active:      make(map[string]string),
		clock:       time.Now,
		newID:       uuid.NewString,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetObserver registers the change observer after construction
func (s *DeploymentStore) SetObserver(o ChangeObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Now returns the store's current time
func (s *DeploymentStore) Now() time.Time {
	return s.clock()
}

// Update runs fn under the exclusive lock. If fn returns an error every
// change it made is rolled back.
func (s *DeploymentStore) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin(true)
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	change := tx.change()
	if s.observer != nil && !change.Empty() {
		s.observer.Committed(change)
	}
	return nil
}

// View runs fn under the shared lock. The Tx is read-only and must not
// escape fn.
func (s *DeploymentStore) View(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(s.begin(false))
}

// Snapshot copies the whole table and its counters under the shared lock
func (s *DeploymentStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := &Snapshot{
		Deployments:      make([]*model.TenantDeployment, 0, len(s.deployments)),
		CreatedTotal:     s.createdTotal,
		RetainedRequests: s.retainedRequests,
	}
	for _, d := range s.deployments {
		snapshot.Deployments = append(snapshot.Deployments, d.Clone())
	}
	sortByCreation(snapshot.Deployments)
	return snapshot
}

// Restore loads previously persisted state into an empty store
func (s *DeploymentStore) Restore(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deployments) > 0 {
		return fmt.Errorf("cannot restore into a non-empty store (%d deployments)", len(s.deployments))
	}

	for _, d := range snapshot.Deployments {
		if !d.Status.IsValid() {
			return fmt.Errorf("deployment %s has unknown status %q", d.DeploymentID, d.Status)
		}
		c := d.Clone()
		s.deployments[c.DeploymentID] = c
		if !c.Status.IsTerminal() {
			s.active[pairKey(c.TenantID, c.ModelName)] = c.DeploymentID
		}
	}
	s.createdTotal = snapshot.CreatedTotal
	if s.createdTotal < uint64(len(s.deployments)) {
		s.createdTotal = uint64(len(s.deployments))
	}
	s.retainedRequests = snapshot.RetainedRequests

	s.logger.Info("Restored deployment table",
		zap.Int("deployments", len(s.deployments)),
		zap.Uint64("created_total", s.createdTotal),
		zap.Uint64("retained_requests", s.retainedRequests))

	return nil
}

// Create inserts a new Deploying deployment and returns its id
func (s *DeploymentStore) Create(tenantID, modelName string, replicas int) (string, error) {
	var id string
	err := s.Update(func(tx *Tx) error {
		d, err := tx.Create(tenantID, modelName, replicas)
		if err != nil {
			return err
		}
		id = d.DeploymentID
		return nil
	})
	return id, err
}

// Get returns a copy of the deployment
func (s *DeploymentStore) Get(deploymentID string) (*model.TenantDeployment, error) {
	var d *model.TenantDeployment
	err := s.View(func(tx *Tx) error {
		var err error
		d, err = tx.Get(deploymentID)
		return err
	})
	return d, err
}

// List returns copies of every deployment
func (s *DeploymentStore) List() []*model.TenantDeployment {
	var out []*model.TenantDeployment
	_ = s.View(func(tx *Tx) error {
		out = tx.List()
		return nil
	})
	return out
}

// UpdateStatus moves a deployment to a new status
func (s *DeploymentStore) UpdateStatus(deploymentID string, status model.DeploymentStatus) error {
	return s.Update(func(tx *Tx) error {
		return tx.UpdateStatus(deploymentID, status)
	})
}

// RecordRequest counts one served request
func (s *DeploymentStore) RecordRequest(deploymentID string) error {
	return s.Update(func(tx *Tx) error {
		return tx.RecordRequest(deploymentID)
	})
}

// Remove deletes a terminal deployment
func (s *DeploymentStore) Remove(deploymentID string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Remove(deploymentID)
	})
}

// Totals returns the number of deployments ever created and the request
// count retained from removed deployments
func (s *DeploymentStore) Totals() (createdTotal, retainedRequests uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdTotal, s.retainedRequests
}

func (s *DeploymentStore) begin(writable bool) *Tx {
	return &Tx{
		s:                s,
		writable:         writable,
		now:              s.clock(),
		undo:             make(map[string]*model.TenantDeployment),
		removed:          make(map[string]*model.TenantDeployment),
		createdTotal:     s.createdTotal,
		retainedRequests: s.retainedRequests,
	}
}

func pairKey(tenantID, modelName string) string {
	return tenantID + "\x00" + modelName
}
