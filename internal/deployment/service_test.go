package deployment_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/catalog"
	"github.com/kgents/agentplane/internal/deployment"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// serviceRepo adapts stubDeployRepo to the service's storage surface.
type serviceRepo struct {
	*stubDeployRepo
}

func (s *serviceRepo) Create(_ context.Context, d *deployment.Deployment) error {
	s.add(d)
	return nil
}

func (s *serviceRepo) Get(_ context.Context, id uuid.UUID) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok {
		return nil, deployment.ErrNotFound
	}
	cp := *d
	cp.Metadata = cloneMap(d.Metadata)
	return &cp, nil
}

func (s *serviceRepo) List(_ context.Context, ownerID uuid.UUID, _ deployment.ListFilter, _ deployment.Page) ([]*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*deployment.Deployment
	for _, d := range s.rows {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *serviceRepo) Transitions(_ context.Context, id uuid.UUID) ([]*deployment.Transition, error) {
	var out []*deployment.Transition
	for _, st := range s.statuses(id) {
		out = append(out, &deployment.Transition{DeploymentID: id, ToStatus: st})
	}
	return out, nil
}

func (s *serviceRepo) RequestCancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return deployment.ErrNotFound
	}
	s.cancelFlags[id] = true
	return nil
}

// stubAgents is an in-memory catalog source.
type stubAgents struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]*catalog.Agent
	versions map[uuid.UUID]*catalog.AgentVersion
}

func newStubAgents() *stubAgents {
	return &stubAgents{
		agents:   make(map[uuid.UUID]*catalog.Agent),
		versions: make(map[uuid.UUID]*catalog.AgentVersion),
	}
}

func (s *stubAgents) seed(owner uuid.UUID) (*catalog.Agent, *catalog.AgentVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &catalog.Agent{
		ID:      uuid.New(),
		OwnerID: owner,
		Name:    "support-bot",
		Status:  catalog.AgentStatusPublished,
	}
	v := &catalog.AgentVersion{
		ID:            uuid.New(),
		AgentID:       a.ID,
		OwnerID:       owner,
		VersionNumber: 1,
		Config:        json.RawMessage(`{"nodes":[],"edges":[]}`),
		CreatedAt:     time.Now().UTC(),
	}
	s.agents[a.ID] = a
	s.versions[v.ID] = v
	return a, v
}

func (s *stubAgents) GetAgent(_ context.Context, id uuid.UUID) (*catalog.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return a, nil
}

func (s *stubAgents) GetVersionByID(_ context.Context, id uuid.UUID) (*catalog.AgentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return v, nil
}

func ownerPrincipal(owner uuid.UUID) *auth.Principal {
	return &auth.Principal{
		ID:    owner,
		Kind:  auth.PrincipalUser,
		Roles: map[string]struct{}{auth.RoleUser: {}},
		Permissions: map[string]struct{}{
			auth.PermAgentCreate: {},
			auth.PermAgentDeploy: {},
		},
	}
}

func newTestService(t *testing.T) (*deployment.Service, *serviceRepo, *stubAgents, *stubDeployStrategy) {
	t.Helper()
	repo := &serviceRepo{newStubDeployRepo()}
	agents := newStubAgents()
	platform := &stubDeployStrategy{}
	svc := deployment.NewService(repo, agents, []deployment.DeployStrategy{platform}, deployment.Defaults{
		BuildStrategy:  deployment.BuildCIDriven,
		DeployStrategy: deployment.DeployServerless,
	}, zap.NewNop())
	return svc, repo, agents, platform
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestCreate_EnqueuesPending(t *testing.T) {
	svc, _, agents, _ := newTestService(t)
	owner := uuid.New()
	agent, version := agents.seed(owner)

	d, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if d.Status != deployment.StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if d.BuildStrategy != deployment.BuildCIDriven || d.DeployStrategy != deployment.DeployServerless {
		t.Errorf("defaults not applied: %s/%s", d.BuildStrategy, d.DeployStrategy)
	}

	// Same request again creates a distinct deployment.
	d2, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if d2.ID == d.ID {
		t.Error("repeated create reused the deployment id")
	}
}

func TestCreate_VersionMismatch(t *testing.T) {
	svc, _, agents, _ := newTestService(t)
	owner := uuid.New()
	agent, _ := agents.seed(owner)
	_, otherVersion := agents.seed(owner)

	_, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: otherVersion.ID,
	})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("foreign version: got %v, want invalid_input", err)
	}
}

func TestCreate_CrossTenantHidden(t *testing.T) {
	svc, _, agents, _ := newTestService(t)
	agent, version := agents.seed(uuid.New())

	_, err := svc.Create(context.Background(), ownerPrincipal(uuid.New()), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("cross-tenant deploy: got %v, want not_found", err)
	}
}

func TestStop_PendingSkipsPlatform(t *testing.T) {
	svc, repo, agents, platform := newTestService(t)
	owner := uuid.New()
	agent, version := agents.seed(owner)

	d, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	stopped, err := svc.Stop(context.Background(), ownerPrincipal(owner), d.ID)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if stopped.Status != deployment.StatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if stopped.StoppedAt == nil {
		t.Error("stopped deployment has no stopped_at")
	}
	if platform.teardowns != 0 {
		t.Error("platform teardown called for a pending deployment")
	}
	_ = repo
}

func TestStop_DeployingSetsCancelFlag(t *testing.T) {
	svc, repo, agents, platform := newTestService(t)
	owner := uuid.New()
	agent, version := agents.seed(owner)

	d, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := repo.Transition(context.Background(), d.ID, deployment.StatusDeploying, "pipeline started"); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	if _, err := svc.Stop(context.Background(), ownerPrincipal(owner), d.ID); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	repo.mu.Lock()
	flag := repo.cancelFlags[d.ID]
	repo.mu.Unlock()
	if !flag {
		t.Error("cancel flag not set for a deploying deployment")
	}
	if platform.teardowns != 0 {
		t.Error("teardown called while the worker still owns the row")
	}
}

func TestStop_RunningTearsDown(t *testing.T) {
	svc, repo, agents, platform := newTestService(t)
	owner := uuid.New()
	agent, version := agents.seed(owner)

	d, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, st := range []deployment.Status{deployment.StatusDeploying, deployment.StatusRunning} {
		if _, err := repo.Transition(context.Background(), d.ID, st, ""); err != nil {
			t.Fatalf("Transition(%s) error: %v", st, err)
		}
	}

	stopped, err := svc.Stop(context.Background(), ownerPrincipal(owner), d.ID)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if stopped.Status != deployment.StatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if platform.teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", platform.teardowns)
	}
}

func TestStop_TerminalIsPreconditionFailed(t *testing.T) {
	svc, repo, agents, _ := newTestService(t)
	owner := uuid.New()
	agent, version := agents.seed(owner)

	d, err := svc.Create(context.Background(), ownerPrincipal(owner), deployment.CreateDeploymentRequest{
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := repo.Transition(context.Background(), d.ID, deployment.StatusFailed, "boom"); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	if _, err := svc.Stop(context.Background(), ownerPrincipal(owner), d.ID); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("stop of failed deployment: got %v, want precondition_failed", err)
	}
}
