package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a deployment does not exist.
	ErrNotFound = errors.New("deployment not found")
	// ErrIllegalTransition is returned for edges outside the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrLeaseLost is returned when a worker's lease has been taken over.
	ErrLeaseLost = errors.New("deployment lease lost")
)

// Repository provides Postgres-backed storage for deployments, their
// transition log, and the worker lease columns.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new deployment Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deploymentColumns = `id, owner_id, agent_id, agent_version_id, status, endpoint_url,
	metadata, error_message, build_strategy, deploy_strategy, cancel_requested,
	deployed_at, stopped_at, created_at, updated_at`

// Create inserts a new pending deployment and its first log entry.
func (r *Repository) Create(ctx context.Context, d *Deployment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO deployments (id, owner_id, agent_id, agent_version_id, status, metadata, build_strategy, deploy_strategy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		d.ID, d.OwnerID, d.AgentID, d.AgentVersionID, StatusPending, d.Metadata, d.BuildStrategy, d.DeployStrategy,
	)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO deployment_transitions (deployment_id, from_status, to_status, detail)
		VALUES ($1, $2, $3, $4)`,
		d.ID, StatusPending, StatusPending, "created"); err != nil {
		return fmt.Errorf("log creation: %w", err)
	}
	d.Status = StatusPending
	return tx.Commit(ctx)
}

// Get fetches a single deployment by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return scanDeployment(row)
}

// List returns a page of an owner's deployments, newest first.
func (r *Repository) List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE owner_id = $1`
	args := []any{ownerID}
	if filter.AgentID != uuid.Nil {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Transitions returns the durable transition log, oldest first.
func (r *Repository) Transitions(ctx context.Context, deploymentID uuid.UUID) ([]*Transition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deployment_id, from_status, to_status, detail, at
		FROM deployment_transitions
		WHERE deployment_id = $1
		ORDER BY id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.DeploymentID, &t.FromStatus, &t.ToStatus, &t.Detail, &t.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Transition moves a deployment to a new status and appends a log
// entry, all in one transaction. The row lock serializes concurrent
// transitions; an edge outside the state machine returns
// ErrIllegalTransition without modifying anything.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, to Status, detail string) (*Deployment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var from Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, id,
	).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock deployment: %w", err)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	set := `status = $2, updated_at = now()`
	switch to {
	case StatusRunning:
		set += `, deployed_at = now()`
	case StatusStopped:
		set += `, stopped_at = now()`
	case StatusFailed:
		set += `, error_message = $3`
	}
	query := `UPDATE deployments SET ` + set + ` WHERE id = $1 RETURNING ` + deploymentColumns
	args := []any{id, to}
	if to == StatusFailed {
		args = append(args, detail)
	}

	d, err := scanDeployment(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO deployment_transitions (deployment_id, from_status, to_status, detail)
		VALUES ($1, $2, $3, $4)`,
		id, from, to, detail); err != nil {
		return nil, fmt.Errorf("log transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return d, nil
}

// SetEndpoint records the platform URL. Called just before the
// transition to running.
func (r *Repository) SetEndpoint(ctx context.Context, id uuid.UUID, endpoint string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deployments SET endpoint_url = $2, updated_at = now() WHERE id = $1`,
		id, endpoint)
	if err != nil {
		return fmt.Errorf("set endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeMetadata upserts resumption markers into the metadata document.
func (r *Repository) MergeMetadata(ctx context.Context, id uuid.UUID, kv map[string]string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deployments SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, kv)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel sets the cancellation flag checked by workers between
// pipeline stages.
func (r *Repository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deployments SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the current cancellation flag.
func (r *Repository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := r.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM deployments WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// AcquireNext leases the oldest leasable deployment for a worker.
// Pending rows and non-terminal rows whose lease has expired (crashed
// worker) are both candidates. Returns ErrNotFound when the queue is
// empty.
func (r *Repository) AcquireNext(ctx context.Context, workerID string, lease time.Duration) (*Deployment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE deployments
		SET leased_by = $1, lease_expires_at = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = (
			SELECT id FROM deployments
			WHERE status IN ($3, $4)
			  AND (lease_expires_at IS NULL OR lease_expires_at < now())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deploymentColumns,
		workerID, lease.Seconds(), StatusPending, StatusDeploying)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// RenewLease extends the worker's lease. Returns ErrLeaseLost when the
// row is no longer leased by this worker.
func (r *Repository) RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deployments
		SET lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND leased_by = $2`,
		id, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease clears the lease after the worker reaches a terminal
// state or hands the row back.
func (r *Repository) ReleaseLease(ctx context.Context, id uuid.UUID, workerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deployments
		SET leased_by = NULL, lease_expires_at = NULL
		WHERE id = $1 AND leased_by = $2`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// CountByStatus returns deployment counts per status, used to feed the
// deployments gauge.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deployments: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ListRunningEndpoints returns running deployments with an endpoint,
// for the background prober.
func (r *Repository) ListRunningEndpoints(ctx context.Context) ([]*Deployment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE status = $1 AND endpoint_url <> ''`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RunningEndpointByAgent returns the endpoint of the most recently
// deployed running deployment for an agent, or ErrNotFound.
func (r *Repository) RunningEndpointByAgent(ctx context.Context, agentID uuid.UUID) (string, error) {
	var endpoint string
	err := r.pool.QueryRow(ctx, `
		SELECT endpoint_url FROM deployments
		WHERE agent_id = $1 AND status = $2 AND endpoint_url <> ''
		ORDER BY deployed_at DESC NULLS LAST
		LIMIT 1`, agentID, StatusRunning).Scan(&endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("running endpoint: %w", err)
	}
	return endpoint, nil
}

func scanDeployment(row pgx.Row) (*Deployment, error) {
	var d Deployment
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.AgentID, &d.AgentVersionID, &d.Status, &d.EndpointURL,
		&d.Metadata, &d.ErrorMessage, &d.BuildStrategy, &d.DeployStrategy, &d.CancelRequested,
		&d.DeployedAt, &d.StoppedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	return &d, nil
}
