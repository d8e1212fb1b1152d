package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when an agent or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when (owner_id, name) already exists.
	ErrDuplicateName = errors.New("agent name already in use")
	// ErrAgentArchived is returned when writing to an archived agent.
	ErrAgentArchived = errors.New("agent is archived")
)

const pgUniqueViolation = "23505"

// Repository provides Postgres-backed storage for agents and their
// configuration versions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new catalog Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const agentColumns = `id, owner_id, name, description, status, tags, created_at, updated_at`

const versionColumns = `id, agent_id, owner_id, version_number, config, changelog, published_at, created_at`

// CreateAgent inserts an agent and its first configuration version in a
// single transaction. A duplicate (owner_id, name) pair surfaces as
// ErrDuplicateName.
func (r *Repository) CreateAgent(ctx context.Context, agent *Agent, config json.RawMessage, changelog string) (*AgentVersion, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO agents (id, owner_id, name, description, status, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		agent.ID, agent.OwnerID, agent.Name, agent.Description, agent.Status, agent.Tags,
	)
	if err := row.Scan(&agent.CreatedAt, &agent.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	version := &AgentVersion{
		ID:            uuid.New(),
		AgentID:       agent.ID,
		OwnerID:       agent.OwnerID,
		VersionNumber: 1,
		Config:        config,
		Changelog:     changelog,
	}
	row = tx.QueryRow(ctx, `
		INSERT INTO agent_versions (id, agent_id, owner_id, version_number, config, changelog)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		version.ID, version.AgentID, version.OwnerID, version.VersionNumber, version.Config, version.Changelog,
	)
	if err := row.Scan(&version.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert initial version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return version, nil
}

// GetAgent fetches a single agent by id.
func (r *Repository) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// UpdateAgentMeta updates the mutable metadata fields of an agent.
// Nil fields are left unchanged.
func (r *Repository) UpdateAgentMeta(ctx context.Context, id uuid.UUID, description *string, tags []string) (*Agent, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE agents
		SET description = COALESCE($2, description),
		    tags        = COALESCE($3, tags),
		    updated_at  = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		id, description, tags,
	)
	return scanAgent(row)
}

// AppendVersion inserts the next configuration version for an agent.
// The agent row is locked for the duration of the transaction so two
// concurrent appends cannot produce the same version number; the loser
// of the race simply gets the number after the winner's.
func (r *Repository) AppendVersion(ctx context.Context, agentID uuid.UUID, config json.RawMessage, changelog string) (*AgentVersion, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID uuid.UUID
	var status AgentStatus
	err = tx.QueryRow(ctx,
		`SELECT owner_id, status FROM agents WHERE id = $1 FOR UPDATE`, agentID,
	).Scan(&ownerID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock agent: %w", err)
	}
	if status == AgentStatusArchived {
		return nil, ErrAgentArchived
	}

	version := &AgentVersion{
		ID:        uuid.New(),
		AgentID:   agentID,
		OwnerID:   ownerID,
		Config:    config,
		Changelog: changelog,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO agent_versions (id, agent_id, owner_id, version_number, config, changelog)
		SELECT $1, $2, $3, COALESCE(MAX(version_number), 0) + 1, $4, $5
		FROM agent_versions WHERE agent_id = $2
		RETURNING version_number, created_at`,
		version.ID, agentID, ownerID, config, changelog,
	)
	if err := row.Scan(&version.VersionNumber, &version.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET updated_at = now() WHERE id = $1`, agentID); err != nil {
		return nil, fmt.Errorf("touch agent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return version, nil
}

// GetVersion fetches a specific version of an agent.
func (r *Repository) GetVersion(ctx context.Context, agentID uuid.UUID, number int) (*AgentVersion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE agent_id = $1 AND version_number = $2`,
		agentID, number)
	return scanVersion(row)
}

// GetLatestVersion fetches the highest-numbered version of an agent.
func (r *Repository) GetLatestVersion(ctx context.Context, agentID uuid.UUID) (*AgentVersion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions
		 WHERE agent_id = $1
		 ORDER BY version_number DESC
		 LIMIT 1`, agentID)
	return scanVersion(row)
}

// ListVersions returns an agent's versions, newest first.
func (r *Repository) ListVersions(ctx context.Context, agentID uuid.UUID, page Page) ([]*AgentVersion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM agent_versions
		 WHERE agent_id = $1
		 ORDER BY version_number DESC
		 LIMIT $2 OFFSET $3`,
		agentID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*AgentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkPublished records the first publish of a version and flips the
// agent to published. published_at is written at most once.
func (r *Repository) MarkPublished(ctx context.Context, agentID uuid.UUID, number int) (*AgentVersion, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE agent_versions
		SET published_at = COALESCE(published_at, now())
		WHERE agent_id = $1 AND version_number = $2
		RETURNING `+versionColumns,
		agentID, number,
	)
	version, err := scanVersion(row)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE agents SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $3`,
		agentID, AgentStatusPublished, AgentStatusArchived)
	if err != nil {
		return nil, fmt.Errorf("publish agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAgentArchived
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return version, nil
}

// Archive marks an agent archived. Archival is terminal for writes;
// existing versions stay readable.
func (r *Repository) Archive(ctx context.Context, id uuid.UUID) (*Agent, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE agents SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		id, AgentStatusArchived,
	)
	return scanAgent(row)
}

// List returns a page of an owner's agents, newest first, optionally
// filtered by status and tag.
func (r *Repository) List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE owner_id = $1`
	args := []any{ownerID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetVersionByID fetches a version by its own id.
func (r *Repository) GetVersionByID(ctx context.Context, id uuid.UUID) (*AgentVersion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM agent_versions WHERE id = $1`, id)
	return scanVersion(row)
}

// VersionConfigByID returns just the config document of a version.
// Used by the deployment pipeline, which needs the payload but not the
// envelope.
func (r *Repository) VersionConfigByID(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var config []byte
	err := r.pool.QueryRow(ctx,
		`SELECT config FROM agent_versions WHERE id = $1`, id).Scan(&config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load version config: %w", err)
	}
	return config, nil
}

// ── scan helpers ────────────────────────────────────────────────────────

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Status, &a.Tags, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}

func scanVersion(row pgx.Row) (*AgentVersion, error) {
	var v AgentVersion
	err := row.Scan(&v.ID, &v.AgentID, &v.OwnerID, &v.VersionNumber, &v.Config, &v.Changelog, &v.PublishedAt, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
