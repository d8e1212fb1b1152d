package deployment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/catalog"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// deploymentRepo is the storage surface the service needs. Satisfied by
// *Repository.
type deploymentRepo interface {
	Create(ctx context.Context, d *Deployment) error
	Get(ctx context.Context, id uuid.UUID) (*Deployment, error)
	List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Deployment, error)
	Transitions(ctx context.Context, deploymentID uuid.UUID) ([]*Transition, error)
	Transition(ctx context.Context, id uuid.UUID, to Status, detail string) (*Deployment, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// agentSource resolves agents and versions from the catalog. Satisfied
// by *catalog.Repository.
type agentSource interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*catalog.Agent, error)
	GetVersionByID(ctx context.Context, id uuid.UUID) (*catalog.AgentVersion, error)
}

// Defaults carries the strategy selectors applied when a request leaves
// them blank.
type Defaults struct {
	BuildStrategy  BuildStrategyName
	DeployStrategy DeployStrategyName
}

// Service implements the deployment API surface. The pipeline itself
// runs in the WorkerPool; the service only creates rows, answers reads,
// and handles stop requests.
type Service struct {
	repo     deploymentRepo
	agents   agentSource
	deploys  map[DeployStrategyName]DeployStrategy
	defaults Defaults
	onEvent  EventSink
	logger   *zap.Logger
}

// NewService creates a new deployment Service.
func NewService(repo deploymentRepo, agents agentSource, deploys []DeployStrategy, defaults Defaults, logger *zap.Logger) *Service {
	m := make(map[DeployStrategyName]DeployStrategy, len(deploys))
	for _, d := range deploys {
		m[d.Name()] = d
	}
	return &Service{repo: repo, agents: agents, deploys: m, defaults: defaults, logger: logger}
}

// SetEventSink configures the lifecycle event callback.
func (s *Service) SetEventSink(fn EventSink) { s.onEvent = fn }

// Create validates the target version and enqueues a pending
// deployment. The pipeline picks it up asynchronously; callers poll
// Get for progress. Deliberately not idempotent: every call creates a
// distinct deployment.
func (s *Service) Create(ctx context.Context, p *auth.Principal, req CreateDeploymentRequest) (*Deployment, error) {
	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load agent", err)
	}
	if agent.OwnerID != p.EffectiveOwner() && !p.HasPermission(auth.PermAgentWriteAny) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if agent.Status == catalog.AgentStatusArchived {
		return nil, apperr.E(apperr.KindPreconditionFailed, "agent is archived")
	}

	version, err := s.agents.GetVersionByID(ctx, req.AgentVersionID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "agent version not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load version", err)
	}
	if version.AgentID != agent.ID {
		return nil, apperr.E(apperr.KindInvalidInput, "version does not belong to this agent")
	}

	build := req.BuildStrategy
	if build == "" {
		build = s.defaults.BuildStrategy
	}
	deploy := req.DeployStrategy
	if deploy == "" {
		deploy = s.defaults.DeployStrategy
	}
	switch build {
	case BuildCIDriven, BuildHostedBuild:
	default:
		return nil, apperr.E(apperr.KindInvalidInput, "unknown build strategy")
	}
	switch deploy {
	case DeployServerless, DeployCluster:
	default:
		return nil, apperr.E(apperr.KindInvalidInput, "unknown deploy strategy")
	}

	d := &Deployment{
		ID:             uuid.New(),
		OwnerID:        agent.OwnerID,
		AgentID:        agent.ID,
		AgentVersionID: version.ID,
		Metadata:       map[string]string{},
		BuildStrategy:  build,
		DeployStrategy: deploy,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create deployment", err)
	}

	s.logger.Info("deployment enqueued",
		zap.String("deployment_id", d.ID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.Int("version", version.VersionNumber))
	s.emit(ctx, d, "", StatusPending, "created")
	return d, nil
}

// Get fetches a deployment the principal may read.
func (s *Service) Get(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Deployment, error) {
	return s.authorized(ctx, p, id, auth.PermAgentReadAny)
}

// Transitions returns a deployment's durable transition log.
func (s *Service) Transitions(ctx context.Context, p *auth.Principal, id uuid.UUID) ([]*Transition, error) {
	if _, err := s.authorized(ctx, p, id, auth.PermAgentReadAny); err != nil {
		return nil, err
	}
	log, err := s.repo.Transitions(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list transitions", err)
	}
	return log, nil
}

// List returns a page of the principal's deployments.
func (s *Service) List(ctx context.Context, p *auth.Principal, filter ListFilter, page Page) ([]*Deployment, error) {
	out, err := s.repo.List(ctx, p.EffectiveOwner(), filter, page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list deployments", err)
	}
	return out, nil
}

// Stop requests termination. A pending deployment stops immediately
// with no platform call. A deploying one gets its cancel flag set and
// the worker aborts between stages. A running one is torn down here.
func (s *Service) Stop(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Deployment, error) {
	d, err := s.authorized(ctx, p, id, auth.PermAgentWriteAny)
	if err != nil {
		return nil, err
	}

	switch d.Status {
	case StatusPending:
		// Set the flag first so a worker that grabbed the row between
		// our read and this write aborts at its next stage boundary.
		if err := s.repo.RequestCancel(ctx, id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "request cancel", err)
		}
		stopped, err := s.repo.Transition(ctx, id, StatusStopped, "stopped before pipeline start")
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "stop deployment", err)
		}
		s.emit(ctx, d, d.Status, StatusStopped, "stopped before pipeline start")
		return stopped, nil

	case StatusDeploying:
		if err := s.repo.RequestCancel(ctx, id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "request cancel", err)
		}
		s.logger.Info("cancellation requested", zap.String("deployment_id", id.String()))
		// The worker records the stopped transition once it observes
		// the flag; callers keep polling.
		return d, nil

	case StatusRunning:
		strategy, ok := s.deploys[d.DeployStrategy]
		if !ok {
			return nil, apperr.E(apperr.KindInternal, "deploy strategy unavailable")
		}
		if err := strategy.Teardown(ctx, d); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientUnavailable, "platform teardown failed", err)
		}
		stopped, err := s.repo.Transition(ctx, id, StatusStopped, "torn down by stop request")
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "stop deployment", err)
		}
		s.emit(ctx, d, d.Status, StatusStopped, "torn down by stop request")
		return stopped, nil

	default:
		return nil, apperr.E(apperr.KindPreconditionFailed, "deployment is already terminal")
	}
}

func (s *Service) authorized(ctx context.Context, p *auth.Principal, id uuid.UUID, anyPerm string) (*Deployment, error) {
	d, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "deployment not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get deployment", err)
	}
	if d.OwnerID != p.EffectiveOwner() && !p.HasPermission(anyPerm) {
		return nil, apperr.E(apperr.KindNotFound, "deployment not found")
	}
	return d, nil
}

func (s *Service) emit(ctx context.Context, d *Deployment, from, to Status, detail string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(ctx, "deployment.status_changed", map[string]string{
		"deployment_id": d.ID.String(),
		"owner_id":      d.OwnerID.String(),
		"agent_id":      d.AgentID.String(),
		"from":          string(from),
		"to":            string(to),
		"detail":        detail,
	})
}
