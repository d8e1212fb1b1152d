package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/catalog"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// conversationRepo is the storage surface the service needs. Satisfied
// by *Repository.
type conversationRepo interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID uuid.UUID, page Page) ([]*Conversation, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID, page Page) ([]*Message, error)
}

// agentSource validates the agent binding at create time. Satisfied by
// *catalog.Repository.
type agentSource interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*catalog.Agent, error)
}

// endpointResolver locates a running deployment for an agent. Satisfied
// by *EndpointResolver.
type endpointResolver interface {
	Resolve(ctx context.Context, agentID uuid.UUID) (string, error)
}

// ServiceConfig tunes turn handling.
type ServiceConfig struct {
	// PersistAssistant stores the assembled assistant reply as a message
	// when the turn completes.
	PersistAssistant bool
	// TurnTimeout bounds one background agent turn end to end.
	TurnTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	return c
}

// Service implements the conversation API: REST persistence plus the
// WebSocket turn loop that streams runtime output to subscribers.
type Service struct {
	repo      conversationRepo
	agents    agentSource
	endpoints endpointResolver
	runtime   Runtime
	hub       *Hub
	cfg       ServiceConfig
	logger    *zap.Logger
}

// NewService creates a new conversation Service.
func NewService(repo conversationRepo, agents agentSource, endpoints endpointResolver, runtime Runtime, hub *Hub, cfg ServiceConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		agents:    agents,
		endpoints: endpoints,
		runtime:   runtime,
		hub:       hub,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Hub exposes the fan-out for the WebSocket handler.
func (s *Service) Hub() *Hub { return s.hub }

// Create starts a conversation bound to one of the caller's agents.
func (s *Service) Create(ctx context.Context, p *auth.Principal, req CreateConversationRequest) (*Conversation, error) {
	agent, err := s.agents.GetAgent(ctx, req.AgentID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load agent", err)
	}
	if agent.OwnerID != p.EffectiveOwner() && !p.HasPermission(auth.PermAgentReadAny) {
		return nil, apperr.E(apperr.KindNotFound, "agent not found")
	}
	if agent.Status == catalog.AgentStatusArchived {
		return nil, apperr.E(apperr.KindPreconditionFailed, "agent is archived")
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, apperr.E(apperr.KindInvalidInput, "metadata is not valid JSON")
	}

	c := &Conversation{
		ID:       uuid.New(),
		OwnerID:  p.EffectiveOwner(),
		AgentID:  agent.ID,
		Title:    strings.TrimSpace(req.Title),
		Metadata: req.Metadata,
	}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create conversation", err)
	}
	return c, nil
}

// Get fetches a conversation the principal may read.
func (s *Service) Get(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Conversation, error) {
	return s.authorized(ctx, p, id)
}

// List returns a page of the principal's conversations.
func (s *Service) List(ctx context.Context, p *auth.Principal, page Page) ([]*Conversation, error) {
	out, err := s.repo.ListConversations(ctx, p.EffectiveOwner(), page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list conversations", err)
	}
	return out, nil
}

// Messages returns a conversation's messages in (created_at, id) order.
func (s *Service) Messages(ctx context.Context, p *auth.Principal, id uuid.UUID, page Page) ([]*Message, error) {
	if _, err := s.authorized(ctx, p, id); err != nil {
		return nil, err
	}
	out, err := s.repo.ListMessages(ctx, id, page.Clamp())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list messages", err)
	}
	return out, nil
}

// Append persists a message, acks it to subscribers, and for user
// messages schedules the background agent turn. The turn outlives the
// request; its frames reach subscribers even after the POST returns.
func (s *Service) Append(ctx context.Context, p *auth.Principal, conversationID uuid.UUID, req AppendMessageRequest) (*Message, error) {
	conv, err := s.authorized(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, apperr.E(apperr.KindInvalidInput, "unknown message role")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "message content must not be empty")
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, apperr.E(apperr.KindInvalidInput, "metadata is not valid JSON")
	}

	m := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "append message", err)
	}

	s.hub.Broadcast(conversationID, Frame{Type: FrameAck, MessageID: m.ID, Role: m.Role})

	if req.Role == RoleUser {
		turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TurnTimeout)
		go func() {
			defer cancel()
			s.agentTurn(turnCtx, conv, req.Content)
		}()
	}
	return m, nil
}

// agentTurn resolves the bound agent's endpoint, streams the runtime
// reply to subscribers, and finishes with a complete frame. Every exit
// path emits complete; failures emit a warn frame first.
func (s *Service) agentTurn(ctx context.Context, conv *Conversation, input string) {
	defer s.hub.Broadcast(conv.ID, Frame{Type: FrameComplete})

	endpoint, err := s.endpoints.Resolve(ctx, conv.AgentID)
	if err != nil {
		s.warnTurn(conv, "no_running_deployment", err)
		return
	}

	var reply strings.Builder
	err = s.runtime.Run(ctx, endpoint, input, func(chunk string) {
		reply.WriteString(chunk)
		s.hub.Broadcast(conv.ID, Frame{Type: FrameStream, Content: chunk})
	})
	if errors.Is(err, ErrRuntimeAuth) {
		s.warnTurn(conv, "runtime_auth_failed", err)
		return
	}
	if err != nil {
		s.warnTurn(conv, "runtime_error", err)
		return
	}

	if s.cfg.PersistAssistant && reply.Len() > 0 {
		m := &Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Role:           RoleAssistant,
			Content:        reply.String(),
		}
		if err := s.repo.AppendMessage(ctx, m); err != nil {
			s.logger.Error("persist assistant reply",
				zap.Error(err),
				zap.String("conversation_id", conv.ID.String()))
		}
	}
}

func (s *Service) warnTurn(conv *Conversation, message string, err error) {
	s.logger.Warn("agent turn failed",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("reason", message),
		zap.Error(err))
	s.hub.Broadcast(conv.ID, Frame{Type: FrameWarn, Message: message})
}

func (s *Service) authorized(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.E(apperr.KindNotFound, "conversation not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get conversation", err)
	}
	if conv.OwnerID != p.EffectiveOwner() && !p.HasPermission(auth.PermAgentReadAny) {
		return nil, apperr.E(apperr.KindNotFound, "conversation not found")
	}
	return conv, nil
}
