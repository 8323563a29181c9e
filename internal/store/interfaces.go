package store

import (
	"context"
	"errors"
	"time"

	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// Snapshot is the persisted state used to rebuild the deployment table
type Snapshot struct {
	Deployments      []*model.TenantDeployment
	CreatedTotal     uint64
	RetainedRequests uint64
}

// Repository persists the deployment table
type Repository interface {
	// Apply writes one committed change atomically
	Apply(ctx context.Context, change Change) error
	// Load reads the full persisted state
	Load(ctx context.Context) (*Snapshot, error)
	// Reconcile makes the persisted state match the snapshot, deleting
	// rows the snapshot no longer has
	Reconcile(ctx context.Context, snapshot *Snapshot) error

	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore interface for idempotency key operations
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
