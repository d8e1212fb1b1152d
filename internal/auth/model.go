package auth

import (
	"time"

	"github.com/google/uuid"
)

// PrincipalKind distinguishes the two token families.
type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalMachine PrincipalKind = "machine"
)

// Principal is the authenticated subject of a request, derived from a
// verified bearer token. It is transient and never persisted.
type Principal struct {
	ID          uuid.UUID
	Kind        PrincipalKind
	Roles       map[string]struct{}
	Permissions map[string]struct{}
	IssuedAt    time.Time
	ExpiresAt   time.Time

	// OnBehalfOf is set when a machine principal with agent:read:any acts
	// for a user; ownership checks pivot to this id.
	OnBehalfOf *uuid.UUID
}

// EffectiveOwner returns the id ownership checks compare against.
func (p *Principal) EffectiveOwner() uuid.UUID {
	if p.OnBehalfOf != nil {
		return *p.OnBehalfOf
	}
	return p.ID
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	_, ok := p.Roles[role]
	return ok
}

// HasPermission reports whether the principal's effective permission set
// contains perm. The admin role grants a wildcard match.
func (p *Principal) HasPermission(perm string) bool {
	if p.HasRole(RoleAdmin) {
		return true
	}
	_, ok := p.Permissions[perm]
	return ok
}

// Well-known roles seeded at bootstrap.
const (
	RoleAdmin              = "admin"
	RoleUser               = "user"
	RoleConversationClient = "conversation_client"
	RoleDeploymentClient   = "deployment_client"
	RoleAgentRuntimeClient = "agent_runtime_client"
)

// Well-known permissions seeded at bootstrap.
const (
	PermAdminManage   = "admin:manage"
	PermAgentCreate   = "agent:create"
	PermAgentDeploy   = "agent:deploy"
	PermAgentReadAny  = "agent:read:any"
	PermAgentWriteAny = "agent:write:any"
	PermToolCreate    = "tool:create"
	PermToolReadAny   = "tool:read:any"
	PermToolWriteAny  = "tool:write:any"
	PermUsersRead     = "users:read"
)

// Profile is the locally persisted record for a user registered through
// the external identity provider.
type Profile struct {
	ID          uuid.UUID `json:"id"           db:"id"`
	Email       string    `json:"email"        db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"   db:"updated_at"`
}

// Role groups permissions under a unique, immutable name.
type Role struct {
	ID          uuid.UUID `json:"id"          db:"id"`
	Name        string    `json:"name"        db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at"  db:"created_at"`
}

// Permission is a unique, immutable capability name.
type Permission struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	Name      string    `json:"name"       db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MachineClient is a client-credentials identity. The secret plaintext is
// shown exactly once at creation; only its bcrypt hash is stored.
type MachineClient struct {
	ClientID   uuid.UUID  `json:"client_id"            db:"client_id"`
	SecretHash string     `json:"-"                    db:"secret_hash"`
	Name       string     `json:"name"                 db:"name"`
	Roles      []string   `json:"assigned_roles"       db:"-"`
	CreatedAt  time.Time  `json:"created_at"           db:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Revoked reports whether the client has been revoked.
func (c *MachineClient) Revoked() bool { return c.RevokedAt != nil }

// TokenResponse is the /auth/token response body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
