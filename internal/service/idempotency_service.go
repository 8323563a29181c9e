package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
	"go.uber.org/zap"
)

// IdempotencyService maps client idempotency keys to the deployment they
// created
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	logger           *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	logger *zap.Logger,
) *IdempotencyService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		logger:           logger,
	}
}

// Lookup returns the deployment id stored for the key, if any
func (s *IdempotencyService) Lookup(ctx context.Context, tenantID, key string) (string, bool, error) {
	data, err := s.idempotencyStore.Get(ctx, s.buildStoreKey(tenantID, key))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	deploymentID, ok := data.(string)
	if !ok || deploymentID == "" {
		s.logger.Error("Invalid idempotency record type",
			zap.String("tenant_id", tenantID),
			zap.String("type", fmt.Sprintf("%T", data)))
		return "", false, fmt.Errorf("invalid idempotency record type %T", data)
	}

	return deploymentID, true, nil
}

// Remember stores the deployment id created for the key
func (s *IdempotencyService) Remember(ctx context.Context, tenantID, key, deploymentID string) error {
	if err := s.idempotencyStore.Set(ctx, s.buildStoreKey(tenantID, key), deploymentID, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Ping checks the backing store
func (s *IdempotencyService) Ping(ctx context.Context) error {
	return s.idempotencyStore.Ping(ctx)
}

// buildStoreKey scopes the client key to the tenant
func (s *IdempotencyService) buildStoreKey(tenantID, key string) string {
	hash := sha256.Sum256([]byte(tenantID + ":" + key))
	return "idempotency:deploy:" + hex.EncodeToString(hash[:])
}
