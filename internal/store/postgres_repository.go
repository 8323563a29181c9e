package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenant_deployments (
	deployment_id   TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	status          TEXT NOT NULL,
	replicas        INTEGER NOT NULL,
	target_replicas INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	last_request    TIMESTAMPTZ NOT NULL,
	request_count   BIGINT NOT NULL DEFAULT 0,
	failure_reason  TEXT NOT NULL DEFAULT '',
	reserved        BOOLEAN NOT NULL DEFAULT FALSE,
	version         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS tenant_deployments_tenant_idx ON tenant_deployments (tenant_id);

CREATE TABLE IF NOT EXISTS deployment_counters (
	id                SMALLINT PRIMARY KEY,
	created_total     BIGINT NOT NULL,
	retained_requests BIGINT NOT NULL
);
`

// PostgresOptions configures the connection pool
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// PostgresRepository implements Repository for PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository connects, pings and ensures the schema exists
func NewPostgresRepository(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresRepository, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.MaxConns, opts.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

const upsertDeployment = `
	INSERT INTO tenant_deployments (
		deployment_id, tenant_id, model_name, status, replicas, target_replicas,
		created_at, updated_at, last_request, request_count, failure_reason, reserved, version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (deployment_id) DO UPDATE SET
		status = EXCLUDED.status,
		replicas = EXCLUDED.replicas,
		target_replicas = EXCLUDED.target_replicas,
		updated_at = EXCLUDED.updated_at,
		last_request = EXCLUDED.last_request,
		request_count = EXCLUDED.request_count,
		failure_reason = EXCLUDED.failure_reason,
		reserved = EXCLUDED.reserved,
		version = EXCLUDED.version
	WHERE tenant_deployments.version < EXCLUDED.version
`

const upsertCounters = `
	INSERT INTO deployment_counters (id, created_total, retained_requests)
	VALUES (1, $1, $2)
	ON CONFLICT (id) DO UPDATE SET
		created_total = GREATEST(deployment_counters.created_total, EXCLUDED.created_total),
		retained_requests = GREATEST(deployment_counters.retained_requests, EXCLUDED.retained_requests)
`

// Apply writes one committed change in a single database transaction.
// Upserts are guarded by version so a stale write never overwrites a newer
// one, and counters only move forward.
func (r *PostgresRepository) Apply(ctx context.Context, change Change) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := saveDeployments(ctx, tx, change.Saved); err != nil {
		return err
	}

	for _, d := range change.Removed {
		if _, err := tx.Exec(ctx, `DELETE FROM tenant_deployments WHERE deployment_id = $1`, d.DeploymentID); err != nil {
			return fmt.Errorf("failed to delete deployment %s: %w", d.DeploymentID, err)
		}
	}

	if _, err := tx.Exec(ctx, upsertCounters, int64(change.CreatedTotal), int64(change.RetainedRequests)); err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}

	return tx.Commit(ctx)
}

// Reconcile rewrites the table from a full snapshot in one transaction.
// It repairs the table after changes were lost on the way in.
func (r *PostgresRepository) Reconcile(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := saveDeployments(ctx, tx, snapshot.Deployments); err != nil {
		return err
	}

	ids := make([]string, len(snapshot.Deployments))
	for i, d := range snapshot.Deployments {
		ids[i] = d.DeploymentID
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tenant_deployments WHERE NOT (deployment_id = ANY($1))`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete stale deployments: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertCounters, int64(snapshot.CreatedTotal), int64(snapshot.RetainedRequests)); err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("Reconciled persisted deployments",
		zap.Int("deployments", len(snapshot.Deployments)),
		zap.Int64("stale_deleted", tag.RowsAffected()))
	return nil
}

func saveDeployments(ctx context.Context, tx pgx.Tx, deployments []*model.TenantDeployment) error {
	for _, d := range deployments {
		if _, err := tx.Exec(ctx, upsertDeployment,
			d.DeploymentID,
			d.TenantID,
			d.ModelName,
			string(d.Status),
			d.Replicas,
			d.TargetReplicas,
			d.CreatedAt,
			d.UpdatedAt,
			d.LastRequest,
			int64(d.RequestCount),
			d.FailureReason,
			d.Reserved,
			d.Version,
		); err != nil {
			return fmt.Errorf("failed to save deployment %s: %w", d.DeploymentID, err)
		}
	}
	return nil
}

// Load reads every persisted deployment and the counters
func (r *PostgresRepository) Load(ctx context.Context) (*Snapshot, error) {
	query := `
		SELECT deployment_id, tenant_id, model_name, status, replicas, target_replicas,
		       created_at, updated_at, last_request, request_count, failure_reason, reserved, version
		FROM tenant_deployments
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	snapshot := &Snapshot{Deployments: make([]*model.TenantDeployment, 0)}
	for rows.Next() {
		var d model.TenantDeployment
		var status string
		var requests int64
		if err := rows.Scan(
			&d.DeploymentID,
			&d.TenantID,
			&d.ModelName,
			&status,
			&d.Replicas,
			&d.TargetReplicas,
			&d.CreatedAt,
			&d.UpdatedAt,
			&d.LastRequest,
			&requests,
			&d.FailureReason,
			&d.Reserved,
			&d.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		d.Status = model.DeploymentStatus(status)
		d.RequestCount = uint64(requests)
		snapshot.Deployments = append(snapshot.Deployments, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var created, retained int64
	err = r.pool.QueryRow(ctx,
		`SELECT created_total, retained_requests FROM deployment_counters WHERE id = 1`,
	).Scan(&created, &retained)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to read counters: %w", err)
	default:
		snapshot.CreatedTotal = uint64(created)
		snapshot.RetainedRequests = uint64(retained)
	}

	r.logger.Info("Loaded persisted deployments",
		zap.Int("deployments", len(snapshot.Deployments)),
		zap.Uint64("created_total", snapshot.CreatedTotal))

	return snapshot, nil
}

// Ping checks the database connection
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the connection pool
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
