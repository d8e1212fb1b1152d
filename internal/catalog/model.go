package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle state of an agent definition.
type AgentStatus string

const (
	AgentStatusDraft     AgentStatus = "draft"
	AgentStatusPublished AgentStatus = "published"
	AgentStatusArchived  AgentStatus = "archived"
)

// Agent is an owner-scoped named entity whose behavior is defined by a
// versioned configuration document. (owner_id, name) is unique.
type Agent struct {
	ID          uuid.UUID   `json:"id"          db:"id"`
	OwnerID     uuid.UUID   `json:"owner_id"    db:"owner_id"`
	Name        string      `json:"name"        db:"name"`
	Description string      `json:"description" db:"description"`
	Status      AgentStatus `json:"status"      db:"status"`
	Tags        []string    `json:"tags"        db:"tags"`
	CreatedAt   time.Time   `json:"created_at"  db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"  db:"updated_at"`
}

// AgentVersion is an immutable snapshot of an agent's configuration.
// Version numbers per agent are strictly increasing with no gaps, and
// config is always the full document, never a delta.
type AgentVersion struct {
	ID            uuid.UUID       `json:"id"                     db:"id"`
	AgentID       uuid.UUID       `json:"agent_id"               db:"agent_id"`
	OwnerID       uuid.UUID       `json:"owner_id"               db:"owner_id"`
	VersionNumber int             `json:"version_number"         db:"version_number"`
	Config        json.RawMessage `json:"config"                 db:"config"`
	Changelog     string          `json:"changelog,omitempty"    db:"changelog"`
	PublishedAt   *time.Time      `json:"published_at,omitempty" db:"published_at"`
	CreatedAt     time.Time       `json:"created_at"             db:"created_at"`
}

// CreateAgentRequest is the payload for creating an agent and its first
// version.
type CreateAgentRequest struct {
	Name        string          `json:"name"        binding:"required"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"      binding:"required"`
	Tags        []string        `json:"tags"`
}

// UpdateAgentRequest is the payload for updating agent metadata.
// Configuration changes go through a new version instead.
type UpdateAgentRequest struct {
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

// NewVersionRequest is the payload for appending a configuration version.
type NewVersionRequest struct {
	Config    json.RawMessage `json:"config" binding:"required"`
	Changelog string          `json:"changelog"`
}

// ListFilter narrows ListAgents results.
type ListFilter struct {
	Status AgentStatus
	Tag    string
}

// Page is the paging window for list operations.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Clamp normalizes the page to the configured bounds.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
