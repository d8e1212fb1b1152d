package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// maxConfigBytes caps a single configuration document at 1 MiB.
const maxConfigBytes = 1 << 20

// catalogRepo is the storage surface the service needs. Satisfied by
// *Repository.
type catalogRepo interface {
	CreateAgent(ctx context.Context, agent *Agent, config json.RawMessage, changelog string) (*AgentVersion, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	UpdateAgentMeta(ctx context.Context, id uuid.UUID, description *string, tags []string) (*Agent, error)
	AppendVersion(ctx context.Context, agentID uuid.UUID, config json.RawMessage, changelog string) (*AgentVersion, error)
	GetVersion(ctx context.Context, agentID uuid.UUID, number int) (*AgentVersion, error)
	GetLatestVersion(ctx context.Context, agentID uuid.UUID) (*AgentVersion, error)
	ListVersions(ctx context.Context, agentID uuid.UUID, page Page) ([]*AgentVersion, error)
	MarkPublished(ctx context.Context, agentID uuid.UUID, number int) (*AgentVersion, error)
	Archive(ctx context.Context, id uuid.UUID) (*Agent, error)
	List(ctx context.Context, ownerID uuid.UUID, filter ListFilter, page Page) ([]*Agent, error)
}

// EventSink receives catalog lifecycle events for webhook fan-out.
type EventSink func(ctx context.Context, eventType string, payload map[string]string)

// Service implements the agent catalog: owner-scoped agents with
// immutable, monotonically numbered configuration versions.
type Service struct {
	repo    catalogRepo
	onEvent EventSink
	logger  *zap.Logger
}

// NewService creates a new catalog Service.
func NewService(repo catalogRepo, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SetEventSink configures the lifecycle event callback.
func (s *Service) SetEventSink(fn EventSink) { s.onEvent = fn }

// CreateAgent creates an agent and its version 1 atomically.
func (s *Service) CreateAgent(ctx context.Context, p *auth.Principal, req CreateAgentRequest) (*Agent, *AgentVersion, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, nil, apperr.E(apperr.KindInvalidInput, "agent name must not be empty")
	}
	if err := validateConfig(req.Config); err != nil {
		return nil, nil, err
	}

	agent := &Agent{
		ID:          uuid.New(),
		OwnerID:     p.EffectiveOwner(),
		Name:        name,
		Description: req.Description,
		Status:      AgentStatusDraft,
		Tags:        normalizeTags(req.Tags),
	}
	version, err := s.repo.CreateAgent(ctx, agent, req.Config, "initial version")
	if errors.Is(err, ErrDuplicateName) {
		return nil, nil, apperr.E(apperr.KindConflict, "an agent with this name already exists")
	}
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "create agent", err)
	}

	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID.String()),
		zap.String("owner_id", agent.OwnerID.String()),
	)
	return agent, version, nil
}

// GetAgent fetches an agent the principal is allowed to read.
func (s *Service) GetAgent(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Agent, error) {
	return s.authorizedAgent(ctx, p, id, auth.PermAgentReadAny)
}

// UpdateAgentMeta updates description and tags on an agent the
// principal owns or may write on behalf of.
func (s *Service) UpdateAgentMeta(ctx context.Context, p *auth.Principal, id uuid.UUID, req UpdateAgentRequest) (*Agent, error) {
	agent, err := s.authorizedAgent(ctx, p, id, auth.PermAgentWriteAny)
	if err != nil {
		return nil, err
	}
	if agent.Status == AgentStatusArchived {
		return nil, apperr.E(apperr.KindPreconditionFailed, "agent is archived")
	}

	var tags []string
	if req.Tags != nil {
		tags = normalizeTags(req.Tags)
	}
	updated, err := s.repo.UpdateAgentMeta(ctx, id, req.Description, tags)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "update agent", err)
	}
	return updated, nil
}

// UpdateAgentConfig appends a new immutable configuration version.
// The stored config is always the full document.
func (s *Service) UpdateAgentConfig(ctx context.Context, p *auth.Principal, id uuid.UUID, req NewVersionRequest) (*AgentVersion, error) {
	if err := validateConfig(req.Config); err != nil {
		return nil, err
	}
	if _, err := s.authorizedAgent(ctx, p, id, auth.PermAgentWriteAny); err != nil {
		return nil, err
	}

	version, err := s.repo.AppendVersion(ctx, id, req.Config, req.Changelog)
	if errors.Is(err, ErrAgentArchived) {
		return nil, apperr.E(apperr.KindPreconditionFailed, "agent is archived")
	}
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "append version", err)
	}

	s.logger.Info("agent version appended",
		zap.String("agent_id", id.String()),
		zap.Int("version", version.VersionNumber),
	)
	return version, nil
}

// GetVersion fetches a specific configuration version.
func (s *Service) GetVersion(ctx context.Context, p *auth.Principal, agentID uuid.UUID, number int) (*AgentVersion, error) {
	if _, err := s.authorizedAgent(ctx, p, agentID, auth.PermAgentReadAny); err != nil {
		return nil, err
	}
	v, err := s.repo.GetVersion(ctx, agentID, number)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get version", err)
	}
	return v, nil
}

// GetLatestVersion fetches the newest configuration version.
func (s *Service) GetLatestVersion(ctx context.Context, p *auth.Principal, agentID uuid.UUID) (*AgentVersion, error) {
	if _, err := s.authorizedAgent(ctx, p, agentID, auth.PermAgentReadAny); err != nil {
		return nil, err
	}
	v, err := s.repo.GetLatestVersion(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get latest version", err)
	}
	return v, nil
}

// ListVersions returns a page of an agent's versions, newest first.
func (s *Service) ListVersions(ctx context.Context, p *auth.Principal, agentID uuid.UUID, page Page) ([]*AgentVersion, error) {
	if _, err := s.authorizedAgent(ctx, p, agentID, auth.PermAgentReadAny); err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, agentID, page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list versions", err)
	}
	return versions, nil
}

// PublishVersion marks a version published and flips the agent to
// published. Republishing is a no-op on published_at.
func (s *Service) PublishVersion(ctx context.Context, p *auth.Principal, agentID uuid.UUID, number int) (*AgentVersion, error) {
	if _, err := s.authorizedAgent(ctx, p, agentID, auth.PermAgentWriteAny); err != nil {
		return nil, err
	}
	v, err := s.repo.MarkPublished(ctx, agentID, number)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "version not found")
	}
	if errors.Is(err, ErrAgentArchived) {
		return nil, apperr.E(apperr.KindPreconditionFailed, "agent is archived")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "publish version", err)
	}
	s.emit(ctx, "agent.version_published", map[string]string{
		"agent_id": agentID.String(),
		"owner_id": v.OwnerID.String(),
		"version":  strconv.Itoa(v.VersionNumber),
	})
	return v, nil
}

// ArchiveAgent marks an agent archived. Running deployments are left
// alone; archival only closes the catalog to new versions.
func (s *Service) ArchiveAgent(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Agent, error) {
	if _, err := s.authorizedAgent(ctx, p, id, auth.PermAgentWriteAny); err != nil {
		return nil, err
	}
	agent, err := s.repo.Archive(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "archive agent", err)
	}
	s.logger.Info("agent archived", zap.String("agent_id", id.String()))
	s.emit(ctx, "agent.archived", map[string]string{
		"agent_id": agent.ID.String(),
		"owner_id": agent.OwnerID.String(),
		"name":     agent.Name,
	})
	return agent, nil
}

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(ctx, eventType, payload)
}

// ListAgents returns a page of the principal's agents.
func (s *Service) ListAgents(ctx context.Context, p *auth.Principal, filter ListFilter, page Page) ([]*Agent, error) {
	if filter.Status != "" {
		switch filter.Status {
		case AgentStatusDraft, AgentStatusPublished, AgentStatusArchived:
		default:
			return nil, apperr.E(apperr.KindInvalidInput, "unknown status filter")
		}
	}
	agents, err := s.repo.List(ctx, p.EffectiveOwner(), filter, page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list agents", err)
	}
	return agents, nil
}

// authorizedAgent loads an agent and enforces ownership. Principals
// holding the given any-permission bypass the ownership check.
func (s *Service) authorizedAgent(ctx context.Context, p *auth.Principal, id uuid.UUID, anyPerm string) (*Agent, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get agent", err)
	}
	if agent.OwnerID != p.EffectiveOwner() && !p.HasPermission(anyPerm) {
		// Cross-tenant probes learn nothing about existence.
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	return agent, nil
}

func validateConfig(config json.RawMessage) error {
	if len(config) == 0 {
		return apperr.E(apperr.KindInvalidInput, "config must not be empty")
	}
	if len(config) > maxConfigBytes {
		return apperr.E(apperr.KindPayloadTooLarge, "config exceeds the 1 MiB limit")
	}
	if !json.Valid(config) {
		return apperr.E(apperr.KindInvalidInput, "config must be valid JSON")
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
