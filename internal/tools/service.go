package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// maxImplementationBytes caps a tool implementation document at 1 MiB.
const maxImplementationBytes = 1 << 20

// toolsRepo is the storage surface the service needs. Satisfied by
// *Repository.
type toolsRepo interface {
	CreateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id uuid.UUID) (*Tool, error)
	UpdateTool(ctx context.Context, id uuid.UUID, description *string, implementation json.RawMessage, categoryID *uuid.UUID) (*Tool, error)
	DeleteTool(ctx context.Context, id uuid.UUID) error
	Approve(ctx context.Context, id uuid.UUID) (*Tool, error)
	List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Tool, error)
	CreateCategory(ctx context.Context, cat *ToolCategory) error
	ListCategories(ctx context.Context) ([]*ToolCategory, error)
}

// EventSink receives tool lifecycle events for webhook fan-out.
type EventSink func(ctx context.Context, eventType string, payload map[string]string)

// Service implements the tool registry: owner-scoped tool definitions
// with admin approval and global categories.
type Service struct {
	repo    toolsRepo
	onEvent EventSink
	logger  *zap.Logger
}

// NewService creates a new tools Service.
func NewService(repo toolsRepo, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SetEventSink configures the lifecycle event callback.
func (s *Service) SetEventSink(fn EventSink) { s.onEvent = fn }

// CreateTool registers a tool under the principal's ownership.
func (s *Service) CreateTool(ctx context.Context, p *auth.Principal, req CreateToolRequest) (*Tool, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "tool name must not be empty")
	}
	if !req.Type.Valid() {
		return nil, apperr.E(apperr.KindInvalidInput, "unknown tool type")
	}
	if err := validateImplementation(req.Implementation); err != nil {
		return nil, err
	}

	tool := &Tool{
		ID:             uuid.New(),
		OwnerID:        p.EffectiveOwner(),
		Name:           name,
		Description:    req.Description,
		Type:           req.Type,
		Implementation: req.Implementation,
		Version:        initialToolVersion,
		CategoryID:     req.CategoryID,
	}
	err := s.repo.CreateTool(ctx, tool)
	switch {
	case errors.Is(err, ErrDuplicateName):
		return nil, apperr.E(apperr.KindConflict, "a tool with this name already exists")
	case errors.Is(err, ErrUnknownCategory):
		return nil, apperr.E(apperr.KindInvalidInput, "category does not exist")
	case err != nil:
		return nil, apperr.Wrap(apperr.KindInternal, "create tool", err)
	}

	s.logger.Info("tool registered",
		zap.String("tool_id", tool.ID.String()),
		zap.String("owner_id", tool.OwnerID.String()),
		zap.String("tool_type", string(tool.Type)),
	)
	return tool, nil
}

// GetTool fetches a tool the principal is allowed to read.
func (s *Service) GetTool(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Tool, error) {
	return s.authorizedTool(ctx, p, id, auth.PermToolReadAny)
}

// UpdateTool updates a tool the principal owns. A new implementation
// drops any prior approval.
func (s *Service) UpdateTool(ctx context.Context, p *auth.Principal, id uuid.UUID, req UpdateToolRequest) (*Tool, error) {
	if req.Implementation != nil {
		if err := validateImplementation(req.Implementation); err != nil {
			return nil, err
		}
	}
	if _, err := s.authorizedTool(ctx, p, id, auth.PermToolWriteAny); err != nil {
		return nil, err
	}

	tool, err := s.repo.UpdateTool(ctx, id, req.Description, req.Implementation, req.CategoryID)
	switch {
	case errors.Is(err, ErrUnknownCategory):
		return nil, apperr.E(apperr.KindInvalidInput, "category does not exist")
	case err != nil:
		return nil, apperr.Wrap(apperr.KindInternal, "update tool", err)
	}
	return tool, nil
}

// DeleteTool removes a tool the principal owns. Agent configurations
// referencing it are not rewritten; resolution fails at execution time.
func (s *Service) DeleteTool(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if _, err := s.authorizedTool(ctx, p, id, auth.PermToolWriteAny); err != nil {
		return err
	}
	if err := s.repo.DeleteTool(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete tool", err)
	}
	s.logger.Info("tool deleted", zap.String("tool_id", id.String()))
	return nil
}

// ApproveTool records the admin sign-off on the current implementation.
// Re-approval is a no-op on approved_at.
func (s *Service) ApproveTool(ctx context.Context, id uuid.UUID) (*Tool, error) {
	tool, err := s.repo.Approve(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "tool not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "approve tool", err)
	}
	s.emit(ctx, "tool.approved", map[string]string{
		"tool_id":  tool.ID.String(),
		"owner_id": tool.OwnerID.String(),
		"name":     tool.Name,
	})
	return tool, nil
}

// ListTools returns a page of the principal's tools.
func (s *Service) ListTools(ctx context.Context, p *auth.Principal, filter ListFilter, page Page) ([]*Tool, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperr.E(apperr.KindInvalidInput, "unknown tool type filter")
	}
	out, err := s.repo.List(ctx, p.EffectiveOwner(), filter, page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list tools", err)
	}
	return out, nil
}

// CreateCategory creates a global category. Admin only; enforced at the
// route.
func (s *Service) CreateCategory(ctx context.Context, req CreateCategoryRequest) (*ToolCategory, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "category name must not be empty")
	}
	cat := &ToolCategory{
		ID:           uuid.New(),
		Name:         name,
		Description:  req.Description,
		Icon:         req.Icon,
		DisplayOrder: req.DisplayOrder,
	}
	err := s.repo.CreateCategory(ctx, cat)
	if errors.Is(err, ErrDuplicateCategory) {
		return nil, apperr.E(apperr.KindConflict, "a category with this name already exists")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create category", err)
	}
	return cat, nil
}

// ListCategories returns every category in display order.
func (s *Service) ListCategories(ctx context.Context) ([]*ToolCategory, error) {
	cats, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list categories", err)
	}
	return cats, nil
}

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(ctx, eventType, payload)
}

// authorizedTool loads a tool and enforces ownership. Principals
// holding the given any-permission bypass the ownership check.
func (s *Service) authorizedTool(ctx context.Context, p *auth.Principal, id uuid.UUID, anyPerm string) (*Tool, error) {
	tool, err := s.repo.GetTool(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "tool not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get tool", err)
	}
	if tool.OwnerID != p.EffectiveOwner() && !p.HasPermission(anyPerm) {
		// Cross-tenant probes learn nothing about existence.
		return nil, apperr.E(apperr.KindNotFound, "tool not found")
	}
	return tool, nil
}

func validateImplementation(doc json.RawMessage) error {
	if len(doc) == 0 {
		return apperr.E(apperr.KindInvalidInput, "implementation must not be empty")
	}
	if len(doc) > maxImplementationBytes {
		return apperr.E(apperr.KindPayloadTooLarge, "implementation exceeds the 1 MiB limit")
	}
	if !json.Valid(doc) {
		return apperr.E(apperr.KindInvalidInput, "implementation must be valid JSON")
	}
	return nil
}
