package tools

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolType classifies how a tool is implemented and therefore how a
// runtime invokes it.
type ToolType string

const (
	ToolTypeAPI      ToolType = "api"
	ToolTypeFunction ToolType = "function"
	ToolTypeLLM      ToolType = "llm"
	ToolTypeChain    ToolType = "chain"
	ToolTypeExternal ToolType = "external"
	ToolTypeOther    ToolType = "other"
)

// Valid reports whether t is one of the known tool types.
func (t ToolType) Valid() bool {
	switch t {
	case ToolTypeAPI, ToolTypeFunction, ToolTypeLLM, ToolTypeChain, ToolTypeExternal, ToolTypeOther:
		return true
	}
	return false
}

// initialToolVersion is assigned at creation; tool definitions are
// mutable in place, unlike agent configurations.
const initialToolVersion = "1.0.0"

// Tool is an owner-scoped, reusable capability an agent configuration
// references by id. The implementation document is type-specific and
// opaque to the control plane. approved_at is set by an administrator
// and cleared whenever the implementation changes.
type Tool struct {
	ID             uuid.UUID       `json:"id"                    db:"id"`
	OwnerID        uuid.UUID       `json:"owner_id"              db:"owner_id"`
	Name           string          `json:"name"                  db:"name"`
	Description    string          `json:"description"           db:"description"`
	Type           ToolType        `json:"tool_type"             db:"tool_type"`
	Implementation json.RawMessage `json:"implementation"        db:"implementation"`
	Version        string          `json:"version"               db:"version"`
	CategoryID     *uuid.UUID      `json:"category_id,omitempty" db:"category_id"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt      time.Time       `json:"created_at"            db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"            db:"updated_at"`
}

// Approved reports whether an administrator has signed off on the
// current implementation.
func (t *Tool) Approved() bool { return t.ApprovedAt != nil }

// ToolCategory is an admin-curated grouping for discovery. Categories
// are global, not owner-scoped.
type ToolCategory struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	Name         string    `json:"name"          db:"name"`
	Description  string    `json:"description"   db:"description"`
	Icon         string    `json:"icon"          db:"icon"`
	DisplayOrder int       `json:"display_order" db:"display_order"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// CreateToolRequest is the payload for registering a tool.
type CreateToolRequest struct {
	Name           string          `json:"name"           binding:"required"`
	Description    string          `json:"description"`
	Type           ToolType        `json:"tool_type"      binding:"required"`
	Implementation json.RawMessage `json:"implementation" binding:"required"`
	CategoryID     *uuid.UUID      `json:"category_id"`
}

// UpdateToolRequest is the payload for updating a tool. Nil fields are
// left unchanged; a new implementation clears any prior approval.
type UpdateToolRequest struct {
	Description    *string         `json:"description"`
	Implementation json.RawMessage `json:"implementation"`
	CategoryID     *uuid.UUID      `json:"category_id"`
}

// CreateCategoryRequest is the payload for creating a category.
type CreateCategoryRequest struct {
	Name         string `json:"name" binding:"required"`
	Description  string `json:"description"`
	Icon         string `json:"icon"`
	DisplayOrder int    `json:"display_order"`
}

// ListFilter narrows ListTools results.
type ListFilter struct {
	Type       ToolType
	CategoryID *uuid.UUID
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
