package tools_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/tools"
	"go.uber.org/zap"
)

// ── Stub repository ─────────────────────────────────────────────────────

type stubToolsRepo struct {
	mu         sync.Mutex
	tools      map[uuid.UUID]*tools.Tool
	categories map[uuid.UUID]*tools.ToolCategory
	byName     map[string]uuid.UUID // owner/name → tool id
	catByName  map[string]uuid.UUID
}

func newStubToolsRepo() *stubToolsRepo {
	return &stubToolsRepo{
		tools:      make(map[uuid.UUID]*tools.Tool),
		categories: make(map[uuid.UUID]*tools.ToolCategory),
		byName:     make(map[string]uuid.UUID),
		catByName:  make(map[string]uuid.UUID),
	}
}

func (s *stubToolsRepo) key(owner uuid.UUID, name string) string {
	return owner.String() + "/" + name
}

func (s *stubToolsRepo) CreateTool(_ context.Context, tool *tools.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(tool.OwnerID, tool.Name)
	if _, dup := s.byName[k]; dup {
		return tools.ErrDuplicateName
	}
	if tool.CategoryID != nil {
		if _, ok := s.categories[*tool.CategoryID]; !ok {
			return tools.ErrUnknownCategory
		}
	}
	now := time.Now().UTC()
	tool.CreatedAt, tool.UpdatedAt = now, now
	cp := *tool
	s.tools[tool.ID] = &cp
	s.byName[k] = tool.ID
	return nil
}

func (s *stubToolsRepo) GetTool(_ context.Context, id uuid.UUID) (*tools.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, tools.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *stubToolsRepo) UpdateTool(_ context.Context, id uuid.UUID, description *string, implementation json.RawMessage, categoryID *uuid.UUID) (*tools.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, tools.ErrNotFound
	}
	if description != nil {
		t.Description = *description
	}
	if implementation != nil {
		t.Implementation = implementation
		t.ApprovedAt = nil
	}
	if categoryID != nil {
		if _, ok := s.categories[*categoryID]; !ok {
			return nil, tools.ErrUnknownCategory
		}
		t.CategoryID = categoryID
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (s *stubToolsRepo) DeleteTool(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return tools.ErrNotFound
	}
	delete(s.byName, s.key(t.OwnerID, t.Name))
	delete(s.tools, id)
	return nil
}

func (s *stubToolsRepo) Approve(_ context.Context, id uuid.UUID) (*tools.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, tools.ErrNotFound
	}
	if t.ApprovedAt == nil {
		now := time.Now().UTC()
		t.ApprovedAt = &now
	}
	cp := *t
	return &cp, nil
}

func (s *stubToolsRepo) List(_ context.Context, ownerID uuid.UUID, filter tools.ListFilter, _ tools.Page) ([]*tools.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tools.Tool
	for _, t := range s.tools {
		if t.OwnerID != ownerID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.CategoryID != nil && (t.CategoryID == nil || *t.CategoryID != *filter.CategoryID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *stubToolsRepo) CreateCategory(_ context.Context, cat *tools.ToolCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.catByName[cat.Name]; dup {
		return tools.ErrDuplicateCategory
	}
	cat.CreatedAt = time.Now().UTC()
	cp := *cat
	s.categories[cat.ID] = &cp
	s.catByName[cat.Name] = cat.ID
	return nil
}

func (s *stubToolsRepo) ListCategories(_ context.Context) ([]*tools.ToolCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tools.ToolCategory
	for _, c := range s.categories {
		out = append(out, c)
	}
	return out, nil
}

// ── helpers ─────────────────────────────────────────────────────────────

func userPrincipal(perms ...string) *auth.Principal {
	p := &auth.Principal{
		ID:          uuid.New(),
		Kind:        auth.PrincipalUser,
		Roles:       map[string]struct{}{auth.RoleUser: {}},
		Permissions: map[string]struct{}{},
	}
	for _, perm := range perms {
		p.Permissions[perm] = struct{}{}
	}
	return p
}

func newTestRegistry(t *testing.T) (*tools.Service, *stubToolsRepo) {
	t.Helper()
	repo := newStubToolsRepo()
	return tools.NewService(repo, zap.NewNop()), repo
}

func mustRegister(t *testing.T, svc *tools.Service, p *auth.Principal, name string) *tools.Tool {
	t.Helper()
	tool, err := svc.CreateTool(context.Background(), p, tools.CreateToolRequest{
		Name:           name,
		Type:           tools.ToolTypeAPI,
		Implementation: json.RawMessage(`{"url":"https://api.example.com/search"}`),
	})
	if err != nil {
		t.Fatalf("CreateTool(%q) error: %v", name, err)
	}
	return tool
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestCreateTool_Defaults(t *testing.T) {
	svc, _ := newTestRegistry(t)

	tool := mustRegister(t, svc, userPrincipal(), "web-search")
	if tool.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", tool.Version)
	}
	if tool.Approved() {
		t.Error("new tool must not be approved")
	}
}

func TestCreateTool_UnknownType(t *testing.T) {
	svc, _ := newTestRegistry(t)

	_, err := svc.CreateTool(context.Background(), userPrincipal(), tools.CreateToolRequest{
		Name:           "web-search",
		Type:           "webhook",
		Implementation: json.RawMessage(`{}`),
	})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("unknown type: got %v, want invalid_input", err)
	}
}

func TestCreateTool_DuplicateNameSameOwner(t *testing.T) {
	svc, _ := newTestRegistry(t)
	p := userPrincipal()

	mustRegister(t, svc, p, "web-search")
	_, err := svc.CreateTool(context.Background(), p, tools.CreateToolRequest{
		Name:           "web-search",
		Type:           tools.ToolTypeFunction,
		Implementation: json.RawMessage(`{}`),
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate name: got %v, want conflict", err)
	}

	// A different owner may reuse the name.
	if _, err := svc.CreateTool(context.Background(), userPrincipal(), tools.CreateToolRequest{
		Name:           "web-search",
		Type:           tools.ToolTypeFunction,
		Implementation: json.RawMessage(`{}`),
	}); err != nil {
		t.Errorf("same name under another owner: %v", err)
	}
}

func TestCreateTool_OversizedImplementation(t *testing.T) {
	svc, _ := newTestRegistry(t)

	big := `{"pad":"` + strings.Repeat("x", 1<<20) + `"}`
	_, err := svc.CreateTool(context.Background(), userPrincipal(), tools.CreateToolRequest{
		Name:           "web-search",
		Type:           tools.ToolTypeAPI,
		Implementation: json.RawMessage(big),
	})
	if !apperr.Is(err, apperr.KindPayloadTooLarge) {
		t.Errorf("oversized implementation: got %v, want payload_too_large", err)
	}
}

func TestApproveTool_SetsApprovedAtOnce(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tool := mustRegister(t, svc, userPrincipal(), "web-search")

	first, err := svc.ApproveTool(context.Background(), tool.ID)
	if err != nil {
		t.Fatalf("ApproveTool() error: %v", err)
	}
	if first.ApprovedAt == nil {
		t.Fatal("approved_at not set")
	}

	again, err := svc.ApproveTool(context.Background(), tool.ID)
	if err != nil {
		t.Fatalf("second ApproveTool() error: %v", err)
	}
	if !again.ApprovedAt.Equal(*first.ApprovedAt) {
		t.Error("approved_at changed on re-approval")
	}
}

func TestUpdateTool_NewImplementationDropsApproval(t *testing.T) {
	svc, _ := newTestRegistry(t)
	p := userPrincipal()
	tool := mustRegister(t, svc, p, "web-search")

	if _, err := svc.ApproveTool(context.Background(), tool.ID); err != nil {
		t.Fatalf("ApproveTool() error: %v", err)
	}

	updated, err := svc.UpdateTool(context.Background(), p, tool.ID, tools.UpdateToolRequest{
		Implementation: json.RawMessage(`{"url":"https://api.example.com/v2/search"}`),
	})
	if err != nil {
		t.Fatalf("UpdateTool() error: %v", err)
	}
	if updated.Approved() {
		t.Error("approval must not survive an implementation change")
	}

	// Metadata-only edits leave the approval in place.
	if _, err := svc.ApproveTool(context.Background(), tool.ID); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	desc := "searches the public web"
	updated, err = svc.UpdateTool(context.Background(), p, tool.ID, tools.UpdateToolRequest{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTool() error: %v", err)
	}
	if !updated.Approved() {
		t.Error("description edit must not drop the approval")
	}
}

func TestGetTool_CrossTenantHidden(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tool := mustRegister(t, svc, userPrincipal(), "web-search")

	// A stranger sees not_found, not forbidden.
	_, err := svc.GetTool(context.Background(), userPrincipal(), tool.ID)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("cross-tenant read: got %v, want not_found", err)
	}

	// A runtime principal with the any-permission may resolve it.
	machine := &auth.Principal{
		ID:          uuid.New(),
		Kind:        auth.PrincipalMachine,
		Roles:       map[string]struct{}{auth.RoleAgentRuntimeClient: {}},
		Permissions: map[string]struct{}{auth.PermToolReadAny: {}},
	}
	if _, err := svc.GetTool(context.Background(), machine, tool.ID); err != nil {
		t.Errorf("machine read with tool:read:any: %v", err)
	}
}

func TestListTools_FilterByType(t *testing.T) {
	svc, _ := newTestRegistry(t)
	p := userPrincipal()

	mustRegister(t, svc, p, "web-search")
	if _, err := svc.CreateTool(context.Background(), p, tools.CreateToolRequest{
		Name:           "summarizer",
		Type:           tools.ToolTypeLLM,
		Implementation: json.RawMessage(`{"model":"gpt-4o"}`),
	}); err != nil {
		t.Fatalf("CreateTool() error: %v", err)
	}

	out, err := svc.ListTools(context.Background(), p, tools.ListFilter{Type: tools.ToolTypeLLM}, tools.Page{})
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(out) != 1 || out[0].Name != "summarizer" {
		t.Errorf("filtered list = %v, want just summarizer", out)
	}

	if _, err := svc.ListTools(context.Background(), p, tools.ListFilter{Type: "webhook"}, tools.Page{}); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Error("unknown type filter must be rejected")
	}
}

func TestCreateCategory_DuplicateName(t *testing.T) {
	svc, _ := newTestRegistry(t)

	if _, err := svc.CreateCategory(context.Background(), tools.CreateCategoryRequest{Name: "search"}); err != nil {
		t.Fatalf("CreateCategory() error: %v", err)
	}
	_, err := svc.CreateCategory(context.Background(), tools.CreateCategoryRequest{Name: "search"})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate category: got %v, want conflict", err)
	}
}
