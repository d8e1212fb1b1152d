package tools

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
	// ErrNotFound is returned when a tool or category does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when (owner_id, name) already exists.
	ErrDuplicateName = errors.New("tool name already in use")
	// ErrDuplicateCategory is returned when a category name already exists.
	ErrDuplicateCategory = errors.New("category name already in use")
	// ErrUnknownCategory is returned when category_id references no row.
	ErrUnknownCategory = errors.New("unknown category")
)

const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
)

// Repository provides Postgres-backed storage for tools and categories.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new tools Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const toolColumns = `id, owner_id, name, description, tool_type, implementation, version, category_id, approved_at, created_at, updated_at`

const categoryColumns = `id, name, description, icon, display_order, created_at`

// CreateTool inserts a tool. A duplicate (owner_id, name) pair surfaces
// as ErrDuplicateName, a dangling category as ErrUnknownCategory.
func (r *Repository) CreateTool(ctx context.Context, tool *Tool) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tools (id, owner_id, name, description, tool_type, implementation, version, category_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		tool.ID, tool.OwnerID, tool.Name, tool.Description, tool.Type,
		tool.Implementation, tool.Version, tool.CategoryID,
	)
	if err := row.Scan(&tool.CreatedAt, &tool.UpdatedAt); err != nil {
		switch {
		case isPgError(err, pgUniqueViolation):
			return ErrDuplicateName
		case isPgError(err, pgFKViolation):
			return ErrUnknownCategory
		}
		return fmt.Errorf("insert tool: %w", err)
	}
	return nil
}

// GetTool fetches a single tool by id.
func (r *Repository) GetTool(ctx context.Context, id uuid.UUID) (*Tool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	return scanTool(row)
}

// UpdateTool updates the mutable fields of a tool. Nil fields are left
// unchanged. Writing a new implementation clears approved_at; the
// sign-off covers one exact document.
func (r *Repository) UpdateTool(ctx context.Context, id uuid.UUID, description *string, implementation json.RawMessage, categoryID *uuid.UUID) (*Tool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tools
		SET description    = COALESCE($2, description),
		    implementation = COALESCE($3, implementation),
		    category_id    = COALESCE($4, category_id),
		    approved_at    = CASE WHEN $3::jsonb IS NULL THEN approved_at END,
		    updated_at     = now()
		WHERE id = $1
		RETURNING `+toolColumns,
		id, description, implementation, categoryID,
	)
	tool, err := scanTool(row)
	if isPgError(err, pgFKViolation) {
		return nil, ErrUnknownCategory
	}
	return tool, err
}

// DeleteTool removes a tool.
func (r *Repository) DeleteTool(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Approve records the admin sign-off. approved_at is written at most
// once per implementation.
func (r *Repository) Approve(ctx context.Context, id uuid.UUID) (*Tool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tools
		SET approved_at = COALESCE(approved_at, now()), updated_at = now()
		WHERE id = $1
		RETURNING `+toolColumns,
		id,
	)
	return scanTool(row)
}

// List returns a page of an owner's tools, newest first, optionally
// filtered by type and category.
func (r *Repository) List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE owner_id = $1`
	args := []any{ownerID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND tool_type = $%d", len(args))
	}
	if filter.CategoryID != nil {
		args = append(args, *filter.CategoryID)
		query += fmt.Sprintf(" AND category_id = $%d", len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateCategory inserts a category. A duplicate name surfaces as
// ErrDuplicateCategory.
func (r *Repository) CreateCategory(ctx context.Context, cat *ToolCategory) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tool_categories (id, name, description, icon, display_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		cat.ID, cat.Name, cat.Description, cat.Icon, cat.DisplayOrder,
	)
	if err := row.Scan(&cat.CreatedAt); err != nil {
		if isPgError(err, pgUniqueViolation) {
			return ErrDuplicateCategory
		}
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// ListCategories returns every category in display order.
func (r *Repository) ListCategories(ctx context.Context) ([]*ToolCategory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+categoryColumns+` FROM tool_categories ORDER BY display_order, name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []*ToolCategory
	for rows.Next() {
		var c ToolCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &c.DisplayOrder, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ── scan helpers ────────────────────────────────────────────────────────

func scanTool(row pgx.Row) (*Tool, error) {
	var t Tool
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &t.Type,
		&t.Implementation, &t.Version, &t.CategoryID, &t.ApprovedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tool: %w", err)
	}
	return &t, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
