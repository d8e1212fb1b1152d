package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// ── Stub identity repo ──────────────────────────────────────────────────

type stubIdentityRepo struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*auth.Profile
	byEmail  map[string]uuid.UUID
	roles    map[string]*auth.Role
	perms    map[string]*auth.Permission
	clients  map[uuid.UUID]*auth.MachineClient
	byName   map[string]uuid.UUID
}

func newStubIdentityRepo() *stubIdentityRepo {
	return &stubIdentityRepo{
		profiles: make(map[uuid.UUID]*auth.Profile),
		byEmail:  make(map[string]uuid.UUID),
		roles:    make(map[string]*auth.Role),
		perms:    make(map[string]*auth.Permission),
		clients:  make(map[uuid.UUID]*auth.MachineClient),
		byName:   make(map[string]uuid.UUID),
	}
}

func (s *stubIdentityRepo) CreateProfile(_ context.Context, p *auth.Profile, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byEmail[p.Email]; dup {
		return auth.ErrDuplicateEmail
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.profiles[p.ID] = &cp
	s.byEmail[p.Email] = p.ID
	return nil
}

func (s *stubIdentityRepo) GetProfile(_ context.Context, id uuid.UUID) (*auth.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubIdentityRepo) UpdateProfile(_ context.Context, id uuid.UUID, displayName string) (*auth.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	p.DisplayName = displayName
	cp := *p
	return &cp, nil
}

func (s *stubIdentityRepo) CreateRole(_ context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.roles[role.Name]; dup {
		return auth.ErrDuplicateName
	}
	role.ID = uuid.New()
	s.roles[role.Name] = role
	return nil
}

func (s *stubIdentityRepo) GetRoleByName(_ context.Context, name string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return r, nil
}

func (s *stubIdentityRepo) ListRoles(context.Context) ([]*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Role
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *stubIdentityRepo) DeleteRole(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.roles {
		if r.ID == id {
			delete(s.roles, name)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *stubIdentityRepo) CreatePermission(_ context.Context, perm *auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.perms[perm.Name]; dup {
		return auth.ErrDuplicateName
	}
	perm.ID = uuid.New()
	s.perms[perm.Name] = perm
	return nil
}

func (s *stubIdentityRepo) ListPermissions(context.Context) ([]*auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Permission
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubIdentityRepo) DeletePermission(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.perms {
		if p.ID == id {
			delete(s.perms, name)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *stubIdentityRepo) AttachPermission(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (s *stubIdentityRepo) CreateClient(_ context.Context, c *auth.MachineClient, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[c.Name]; dup {
		return auth.ErrDuplicateName
	}
	c.Roles = roles
	cp := *c
	s.clients[c.ClientID] = &cp
	s.byName[c.Name] = c.ClientID
	return nil
}

func (s *stubIdentityRepo) GetClient(_ context.Context, id uuid.UUID) (*auth.MachineClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *stubIdentityRepo) GetClientByName(_ context.Context, name string) (*auth.MachineClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s.clients[id]
	return &cp, nil
}

func (s *stubIdentityRepo) ListClients(context.Context) ([]*auth.MachineClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.MachineClient
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *stubIdentityRepo) AssignRoleToClient(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

func (s *stubIdentityRepo) RevokeClient(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok || c.RevokedAt != nil {
		return auth.ErrNotFound
	}
	now := time.Now().UTC()
	c.RevokedAt = &now
	return nil
}

// ── Stub identity provider ──────────────────────────────────────────────

type stubIDP struct {
	mu    sync.Mutex
	users map[string]string // email → password
}

func newStubIDP() *stubIDP {
	return &stubIDP{users: make(map[string]string)}
}

func (s *stubIDP) SignUp(_ context.Context, email, password string) (*auth.IDPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.users[email]; dup {
		return nil, apperr.E(apperr.KindConflict, "email already registered")
	}
	s.users[email] = password
	return &auth.IDPSession{UserID: uuid.New(), AccessToken: "idp-token", TokenType: "Bearer"}, nil
}

func (s *stubIDP) SignIn(_ context.Context, email, password string) (*auth.IDPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[email] != password {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid credentials")
	}
	return &auth.IDPSession{UserID: uuid.New(), AccessToken: "idp-token", TokenType: "Bearer"}, nil
}

func newTestService(t *testing.T) (*auth.Service, *stubIdentityRepo, *stubIDP) {
	t.Helper()
	repo := newStubIdentityRepo()
	idp := newStubIDP()
	tokens := auth.NewMachineTokenIssuer(machineSecret, m2mIssuer, m2mAud, 15*time.Minute)
	return auth.NewService(repo, idp, tokens, zap.NewNop()), repo, idp
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRegister_CreatesProfile(t *testing.T) {
	svc, repo, _ := newTestService(t)

	profile, session, err := svc.Register(context.Background(), "a@example.com", "Secret123!", "")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if session.AccessToken == "" {
		t.Error("expected identity provider tokens passed through")
	}
	if profile.DisplayName != "a" {
		t.Errorf("display name = %q, want derived %q", profile.DisplayName, "a")
	}
	if _, err := repo.GetProfile(context.Background(), profile.ID); err != nil {
		t.Errorf("profile not persisted: %v", err)
	}
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, _, err := svc.Register(context.Background(), "a@example.com", "Secret123!", ""); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	_, _, err := svc.Register(context.Background(), "a@example.com", "Secret123!", "")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("second Register() = %v, want conflict", err)
	}
}

func TestIssueClientToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	client, secret, err := svc.CreateClient(ctx, "conversation_service_client", []string{"conversation_client"})
	if err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}
	if secret == "" {
		t.Fatal("expected one-time plaintext secret")
	}

	tok, err := svc.IssueClientToken(ctx, client.ClientID, secret)
	if err != nil {
		t.Fatalf("IssueClientToken() error: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" {
		t.Errorf("unexpected token response: %+v", tok)
	}
	if tok.ExpiresIn != int((15 * time.Minute).Seconds()) {
		t.Errorf("expires_in = %d, want 900", tok.ExpiresIn)
	}

	// Wrong secret must fail without revealing which check failed.
	if _, err := svc.IssueClientToken(ctx, client.ClientID, "wrong"); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("wrong secret: got %v, want unauthenticated", err)
	}
}

func TestIssueClientToken_RevokedClient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	client, secret, err := svc.CreateClient(ctx, "deployment_service_client", nil)
	if err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}
	if err := svc.RevokeClient(ctx, client.ClientID); err != nil {
		t.Fatalf("RevokeClient() error: %v", err)
	}

	if _, err := svc.IssueClientToken(ctx, client.ClientID, secret); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("revoked client token: got %v, want unauthenticated", err)
	}
}

func TestCreateRole_Duplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, "admin", "Full access"); err != nil {
		t.Fatalf("CreateRole() error: %v", err)
	}
	if _, err := svc.CreateRole(ctx, "admin", "again"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate role: got %v, want conflict", err)
	}
}
