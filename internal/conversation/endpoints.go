package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/deployment"
	"github.com/kgents/agentplane/internal/platform/apperr"
)

// endpointSource answers "where is this agent running". Satisfied by
// *deployment.Repository.
type endpointSource interface {
	RunningEndpointByAgent(ctx context.Context, agentID uuid.UUID) (string, error)
}

type endpointEntry struct {
	endpoint  string
	expiresAt time.Time
}

func (e *endpointEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// EndpointResolver maps agent ids to their running deployment endpoint,
// caching hits for a TTL so each agent turn does not hammer the
// deployments table.
type EndpointResolver struct {
	source endpointSource

	mu      sync.RWMutex
	entries map[uuid.UUID]*endpointEntry
	ttl     time.Duration
}

// NewEndpointResolver creates a resolver with the given cache TTL.
func NewEndpointResolver(source endpointSource, ttl time.Duration) *EndpointResolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EndpointResolver{
		source:  source,
		entries: make(map[uuid.UUID]*endpointEntry),
		ttl:     ttl,
	}
}

// Resolve returns the endpoint of the agent's running deployment.
func (r *EndpointResolver) Resolve(ctx context.Context, agentID uuid.UUID) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[agentID]
	r.mu.RUnlock()
	if ok && !e.expired() {
		return e.endpoint, nil
	}

	endpoint, err := r.source.RunningEndpointByAgent(ctx, agentID)
	if errors.Is(err, deployment.ErrNotFound) {
		return "", apperr.E(apperr.KindPreconditionFailed, "agent has no running deployment")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "resolve endpoint", err)
	}

	r.mu.Lock()
	r.entries[agentID] = &endpointEntry{endpoint: endpoint, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return endpoint, nil
}

// Invalidate drops a cached endpoint, for example after a stop.
func (r *EndpointResolver) Invalidate(agentID uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, agentID)
	r.mu.Unlock()
}
