package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors surfaced by the identity repository.
var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrDuplicateName  = errors.New("name already exists")
)

const pgUniqueViolation = "23505"

// Repository provides persistence for profiles, roles, permissions, and
// machine clients against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new identity Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ── Profiles ────────────────────────────────────────────────────────────

// CreateProfile inserts a profile and assigns the default role names in
// one transaction. A failed insert reports the whole registration failed.
func (r *Repository) CreateProfile(ctx context.Context, p *Profile, roles []string) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := `
		INSERT INTO profiles (id, email, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, q, p.ID, p.Email, p.DisplayName, p.CreatedAt, p.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert profile: %w", err)
	}

	for _, role := range roles {
		assign := `
			INSERT INTO user_roles (user_id, role_id)
			SELECT $1, id FROM roles WHERE name = $2
			ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, assign, p.ID, role); err != nil {
			return fmt.Errorf("assign role %q: %w", role, err)
		}
	}

	return tx.Commit(ctx)
}

// GetProfile retrieves a profile by user id.
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	q := `SELECT id, email, display_name, created_at, updated_at FROM profiles WHERE id = $1`
	var p Profile
	if err := r.db.QueryRow(ctx, q, id).Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// UpdateProfile updates the mutable profile fields.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (*Profile, error) {
	q := `
		UPDATE profiles SET display_name = $2, updated_at = $3
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, displayName, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetProfile(ctx, id)
}

// ── Roles & permissions ─────────────────────────────────────────────────

// CreateRole inserts a new role. Role names are unique and immutable.
func (r *Repository) CreateRole(ctx context.Context, role *Role) error {
	role.ID = uuid.New()
	role.CreatedAt = time.Now().UTC()
	q := `INSERT INTO roles (id, name, description, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Exec(ctx, q, role.ID, role.Name, role.Description, role.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateName
		}
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

// GetRoleByName retrieves a role by its unique name.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	q := `SELECT id, name, description, created_at FROM roles WHERE name = $1`
	var role Role
	if err := r.db.QueryRow(ctx, q, name).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &role, nil
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role and its assignments (cascaded by schema).
func (r *Repository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePermission inserts a new permission.
func (r *Repository) CreatePermission(ctx context.Context, perm *Permission) error {
	perm.ID = uuid.New()
	perm.CreatedAt = time.Now().UTC()
	q := `INSERT INTO permissions (id, name, created_at) VALUES ($1, $2, $3)`
	if _, err := r.db.Exec(ctx, q, perm.ID, perm.Name, perm.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateName
		}
		return fmt.Errorf("create permission: %w", err)
	}
	return nil
}

// ListPermissions returns all permissions ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, created_at FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}

// DeletePermission removes a permission.
func (r *Repository) DeletePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachPermission links a permission to a role. Idempotent.
func (r *Repository) AttachPermission(ctx context.Context, roleID, permID uuid.UUID) error {
	q := `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, q, roleID, permID)
	return err
}

// AttachPermissionByName links a named permission to a named role,
// creating nothing. Used by bootstrap after seeding.
func (r *Repository) AttachPermissionByName(ctx context.Context, roleName, permName string) error {
	q := `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT r.id, p.id FROM roles r, permissions p
		WHERE r.name = $1 AND p.name = $2
		ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, q, roleName, permName)
	return err
}

// AssignRoleToUser grants a role to a user. Idempotent.
func (r *Repository) AssignRoleToUser(ctx context.Context, userID, roleID uuid.UUID) error {
	q := `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, q, userID, roleID)
	return err
}

// RolesForUser returns the role names granted to a user.
func (r *Repository) RolesForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	q := `
		SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`
	return r.scanNames(ctx, q, userID)
}

// PermissionsForRoles returns the union of permission names over the
// given role names.
func (r *Repository) PermissionsForRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	q := `
		SELECT DISTINCT p.name FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles r ON r.id = rp.role_id
		WHERE r.name = ANY($1)
		ORDER BY p.name`
	return r.scanNames(ctx, q, roles)
}

// ── Machine clients ─────────────────────────────────────────────────────

// CreateClient inserts a machine client and assigns the given role names
// in one transaction.
func (r *Repository) CreateClient(ctx context.Context, c *MachineClient, roles []string) error {
	c.CreatedAt = time.Now().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := `
		INSERT INTO machine_clients (client_id, secret_hash, name, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, q, c.ClientID, c.SecretHash, c.Name, c.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateName
		}
		return fmt.Errorf("insert client: %w", err)
	}

	for _, role := range roles {
		assign := `
			INSERT INTO client_roles (client_id, role_id)
			SELECT $1, id FROM roles WHERE name = $2
			ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, assign, c.ClientID, role); err != nil {
			return fmt.Errorf("assign role %q: %w", role, err)
		}
	}
	c.Roles = roles

	return tx.Commit(ctx)
}

// GetClient retrieves a machine client with its assigned role names.
func (r *Repository) GetClient(ctx context.Context, clientID uuid.UUID) (*MachineClient, error) {
	q := `
		SELECT client_id, secret_hash, name, created_at, revoked_at
		FROM machine_clients WHERE client_id = $1`
	return r.scanClient(ctx, q, clientID)
}

// GetClientByName retrieves a machine client by its well-known name.
func (r *Repository) GetClientByName(ctx context.Context, name string) (*MachineClient, error) {
	q := `
		SELECT client_id, secret_hash, name, created_at, revoked_at
		FROM machine_clients WHERE name = $1`
	return r.scanClient(ctx, q, name)
}

// ListClients returns all machine clients, newest first.
func (r *Repository) ListClients(ctx context.Context) ([]*MachineClient, error) {
	q := `
		SELECT client_id, secret_hash, name, created_at, revoked_at
		FROM machine_clients ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*MachineClient
	for rows.Next() {
		var c MachineClient
		if err := rows.Scan(&c.ClientID, &c.SecretHash, &c.Name, &c.CreatedAt, &c.RevokedAt); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// AssignRoleToClient grants a role to a machine client. Idempotent.
func (r *Repository) AssignRoleToClient(ctx context.Context, clientID, roleID uuid.UUID) error {
	q := `INSERT INTO client_roles (client_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, q, clientID, roleID)
	return err
}

// RolesForClient returns the role names assigned to a machine client.
func (r *Repository) RolesForClient(ctx context.Context, clientID uuid.UUID) ([]string, error) {
	q := `
		SELECT r.name FROM roles r
		JOIN client_roles cr ON cr.role_id = r.id
		WHERE cr.client_id = $1
		ORDER BY r.name`
	return r.scanNames(ctx, q, clientID)
}

// RevokeClient stamps revoked_at on a machine client.
func (r *Repository) RevokeClient(ctx context.Context, clientID uuid.UUID) error {
	q := `UPDATE machine_clients SET revoked_at = $2 WHERE client_id = $1 AND revoked_at IS NULL`
	tag, err := r.db.Exec(ctx, q, clientID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClientRevoked reports whether a machine client has been revoked.
// Unknown client ids count as revoked so a token whose row was deleted
// stops verifying too.
func (r *Repository) ClientRevoked(ctx context.Context, clientID uuid.UUID) (bool, error) {
	var revokedAt *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT revoked_at FROM machine_clients WHERE client_id = $1`, clientID,
	).Scan(&revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return revokedAt != nil, nil
}

// ── helpers ─────────────────────────────────────────────────────────────

func (r *Repository) scanClient(ctx context.Context, q string, arg any) (*MachineClient, error) {
	var c MachineClient
	if err := r.db.QueryRow(ctx, q, arg).Scan(&c.ClientID, &c.SecretHash, &c.Name, &c.CreatedAt, &c.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	roles, err := r.RolesForClient(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}
	c.Roles = roles
	return &c, nil
}

func (r *Repository) scanNames(ctx context.Context, q string, arg any) ([]string, error) {
	rows, err := r.db.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
