package conversation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/catalog"
	"github.com/kgents/agentplane/internal/conversation"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// ── Stubs ───────────────────────────────────────────────────────────────

type stubConvRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*conversation.Conversation
	messages      map[uuid.UUID][]*conversation.Message
}

func newStubConvRepo() *stubConvRepo {
	return &stubConvRepo{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		messages:      make(map[uuid.UUID][]*conversation.Message),
	}
}

func (s *stubConvRepo) CreateConversation(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	s.conversations[c.ID] = c
	return nil
}

func (s *stubConvRepo) GetConversation(_ context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (s *stubConvRepo) ListConversations(_ context.Context, ownerID uuid.UUID, _ conversation.Page) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.conversations {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubConvRepo) AppendMessage(_ context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.CreatedAt = time.Now().UTC()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *stubConvRepo) ListMessages(_ context.Context, conversationID uuid.UUID, _ conversation.Page) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*conversation.Message(nil), s.messages[conversationID]...), nil
}

func (s *stubConvRepo) messagesByRole(conversationID uuid.UUID, role conversation.Role) []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Message
	for _, m := range s.messages[conversationID] {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type stubAgentSource struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*catalog.Agent
}

func newStubAgentSource() *stubAgentSource {
	return &stubAgentSource{agents: make(map[uuid.UUID]*catalog.Agent)}
}

func (s *stubAgentSource) seed(owner uuid.UUID, status catalog.AgentStatus) *catalog.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &catalog.Agent{ID: uuid.New(), OwnerID: owner, Name: "support-bot", Status: status}
	s.agents[a.ID] = a
	return a
}

func (s *stubAgentSource) GetAgent(_ context.Context, id uuid.UUID) (*catalog.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return a, nil
}

type stubResolver struct {
	endpoint string
	err      error
}

func (s *stubResolver) Resolve(context.Context, uuid.UUID) (string, error) {
	return s.endpoint, s.err
}

type stubRuntime struct {
	chunks []string
	err    error
}

func (s *stubRuntime) Run(_ context.Context, _ string, _ string, emit func(string)) error {
	if s.err != nil {
		return s.err
	}
	for _, c := range s.chunks {
		emit(c)
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func chatPrincipal(owner uuid.UUID) *auth.Principal {
	return &auth.Principal{
		ID:    owner,
		Kind:  auth.PrincipalUser,
		Roles: map[string]struct{}{auth.RoleUser: {}},
	}
}

type fixture struct {
	svc    *conversation.Service
	repo   *stubConvRepo
	agents *stubAgentSource
	hub    *conversation.Hub
}

func newFixture(t *testing.T, runtime conversation.Runtime, persist bool) *fixture {
	t.Helper()
	repo := newStubConvRepo()
	agents := newStubAgentSource()
	hub := conversation.NewHub(zap.NewNop())
	svc := conversation.NewService(repo, agents, &stubResolver{endpoint: "https://rt.example.com"}, runtime, hub,
		conversation.ServiceConfig{PersistAssistant: persist, TurnTimeout: 5 * time.Second}, zap.NewNop())
	return &fixture{svc: svc, repo: repo, agents: agents, hub: hub}
}

func startConversation(t *testing.T, f *fixture, owner uuid.UUID) *conversation.Conversation {
	t.Helper()
	agent := f.agents.seed(owner, catalog.AgentStatusPublished)
	conv, err := f.svc.Create(context.Background(), chatPrincipal(owner), conversation.CreateConversationRequest{
		AgentID: agent.ID,
		Title:   "help me",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return conv
}

// collectTurn drains frames until a complete frame or the deadline.
func collectTurn(t *testing.T, sub *conversation.Subscriber) []conversation.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var frames []conversation.Frame
	for {
		select {
		case <-deadline:
			t.Fatalf("no complete frame; got %v", frames)
		case f, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("subscriber closed before complete; got %v", frames)
			}
			frames = append(frames, f)
			if f.Type == conversation.FrameComplete {
				return frames
			}
		}
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestAppend_FrameOrdering(t *testing.T) {
	f := newFixture(t, &stubRuntime{chunks: []string{"Hello", ", world"}}, false)
	owner := uuid.New()
	conv := startConversation(t, f, owner)

	sub := f.hub.Subscribe(conv.ID)
	defer sub.Close()

	m, err := f.svc.Append(context.Background(), chatPrincipal(owner), conv.ID, conversation.AppendMessageRequest{
		Role:    conversation.RoleUser,
		Content: "hi",
	})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	frames := collectTurn(t, sub)
	if frames[0].Type != conversation.FrameAck {
		t.Fatalf("first frame = %s, want ack", frames[0].Type)
	}
	if frames[0].MessageID != m.ID || frames[0].Role != conversation.RoleUser {
		t.Errorf("ack frame = %+v, want message %s role user", frames[0], m.ID)
	}

	var streamed []string
	for _, fr := range frames[1 : len(frames)-1] {
		if fr.Type != conversation.FrameStream {
			t.Fatalf("mid-turn frame = %s, want stream", fr.Type)
		}
		streamed = append(streamed, fr.Content)
	}
	if len(streamed) != 2 || streamed[0] != "Hello" || streamed[1] != ", world" {
		t.Errorf("stream chunks = %v, want [Hello , world]", streamed)
	}
	if frames[len(frames)-1].Type != conversation.FrameComplete {
		t.Errorf("last frame = %s, want complete", frames[len(frames)-1].Type)
	}
}

func TestAppend_RuntimeAuthFailureWarnsThenCompletes(t *testing.T) {
	f := newFixture(t, &stubRuntime{err: conversation.ErrRuntimeAuth}, true)
	owner := uuid.New()
	conv := startConversation(t, f, owner)

	sub := f.hub.Subscribe(conv.ID)
	defer sub.Close()

	if _, err := f.svc.Append(context.Background(), chatPrincipal(owner), conv.ID, conversation.AppendMessageRequest{
		Role:    conversation.RoleUser,
		Content: "hi",
	}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	frames := collectTurn(t, sub)
	if len(frames) != 3 {
		t.Fatalf("frames = %v, want ack, warn, complete", frames)
	}
	if frames[1].Type != conversation.FrameWarn || frames[1].Message != "runtime_auth_failed" {
		t.Errorf("second frame = %+v, want warn runtime_auth_failed", frames[1])
	}
	if got := f.repo.messagesByRole(conv.ID, conversation.RoleAssistant); len(got) != 0 {
		t.Errorf("assistant messages persisted after failed turn: %d", len(got))
	}
}

func TestAppend_PersistsAssistantReplyOnComplete(t *testing.T) {
	f := newFixture(t, &stubRuntime{chunks: []string{"certainly", "!"}}, true)
	owner := uuid.New()
	conv := startConversation(t, f, owner)

	sub := f.hub.Subscribe(conv.ID)
	defer sub.Close()

	if _, err := f.svc.Append(context.Background(), chatPrincipal(owner), conv.ID, conversation.AppendMessageRequest{
		Role:    conversation.RoleUser,
		Content: "hi",
	}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	collectTurn(t, sub)

	replies := f.repo.messagesByRole(conv.ID, conversation.RoleAssistant)
	if len(replies) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(replies))
	}
	if replies[0].Content != "certainly!" {
		t.Errorf("assistant content = %q, want assembled chunks", replies[0].Content)
	}
}

func TestAppend_SystemMessageSkipsAgentTurn(t *testing.T) {
	f := newFixture(t, &stubRuntime{chunks: []string{"unexpected"}}, true)
	owner := uuid.New()
	conv := startConversation(t, f, owner)

	sub := f.hub.Subscribe(conv.ID)
	defer sub.Close()

	if _, err := f.svc.Append(context.Background(), chatPrincipal(owner), conv.ID, conversation.AppendMessageRequest{
		Role:    conversation.RoleSystem,
		Content: "you are a helpful bot",
	}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// The ack arrives; nothing else should follow.
	select {
	case fr := <-sub.Frames():
		if fr.Type != conversation.FrameAck {
			t.Fatalf("first frame = %s, want ack", fr.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no ack frame for system message")
	}
	select {
	case fr := <-sub.Frames():
		t.Fatalf("unexpected frame after system message ack: %+v", fr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreate_ArchivedAgentRejected(t *testing.T) {
	f := newFixture(t, &stubRuntime{}, false)
	owner := uuid.New()
	agent := f.agents.seed(owner, catalog.AgentStatusArchived)

	_, err := f.svc.Create(context.Background(), chatPrincipal(owner), conversation.CreateConversationRequest{
		AgentID: agent.ID,
	})
	if !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("archived agent: got %v, want precondition_failed", err)
	}
}

func TestCreate_CrossTenantAgentHidden(t *testing.T) {
	f := newFixture(t, &stubRuntime{}, false)
	agent := f.agents.seed(uuid.New(), catalog.AgentStatusPublished)

	_, err := f.svc.Create(context.Background(), chatPrincipal(uuid.New()), conversation.CreateConversationRequest{
		AgentID: agent.ID,
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("cross-tenant agent: got %v, want not_found", err)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := conversation.NewHub(zap.NewNop())
	convID := uuid.New()

	slow := hub.Subscribe(convID)
	// Never drained: the bounded queue fills and the 65th broadcast
	// drops the subscriber.
	for i := 0; i < 65; i++ {
		hub.Broadcast(convID, conversation.Frame{Type: conversation.FrameStream, Content: "x"})
	}

	if n := hub.SubscriberCount(convID); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after overflow", n)
	}

	// The channel is closed; draining terminates.
	open := 0
	for range slow.Frames() {
		open++
	}
	if open != 64 {
		t.Errorf("frames buffered before drop = %d, want 64", open)
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	hub := conversation.NewHub(zap.NewNop())
	convID := uuid.New()

	a := hub.Subscribe(convID)
	b := hub.Subscribe(convID)
	defer a.Close()
	defer b.Close()

	hub.Broadcast(convID, conversation.Frame{Type: conversation.FrameAck})
	hub.Broadcast(uuid.New(), conversation.Frame{Type: conversation.FrameWarn})

	for _, sub := range []*conversation.Subscriber{a, b} {
		select {
		case fr := <-sub.Frames():
			if fr.Type != conversation.FrameAck {
				t.Errorf("frame type = %s, want ack", fr.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed broadcast")
		}
	}
}
