package conversation

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

const subscriberQueueSize = 64

// Subscriber receives frames for one conversation over a bounded
// queue. A subscriber that stops draining its channel is dropped.
type Subscriber struct {
	frames chan Frame

	hub            *Hub
	conversationID uuid.UUID
	closeOnce      sync.Once
}

// Frames is the subscriber's receive channel. It is closed when the
// subscriber is dropped or unsubscribed.
func (s *Subscriber) Frames() <-chan Frame { return s.frames }

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() { s.hub.unsubscribe(s) }

// Hub is the process-local fan-out for WebSocket subscribers. Broadcast
// never blocks; a subscriber whose queue is full loses the frame and is
// disconnected. Runs single-instance; a multi-instance deployment would
// need an out-of-process pub/sub bus here.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscriber]struct{}
	logger *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber for a conversation.
func (h *Hub) Subscribe(conversationID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		frames:         make(chan Frame, subscriberQueueSize),
		hub:            h,
		conversationID: conversationID,
	}
	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	httpx.WSSubscriberConnected()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	set, ok := h.subs[sub.conversationID]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.conversationID)
			}
			httpx.WSSubscriberDisconnected()
		}
	}
	h.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.frames) })
}

// Broadcast delivers a frame to every subscriber of the conversation.
// Subscribers with full queues are dropped rather than blocking the
// sender.
func (h *Hub) Broadcast(conversationID uuid.UUID, frame Frame) {
	h.mu.Lock()
	var slow []*Subscriber
	for sub := range h.subs[conversationID] {
		select {
		case sub.frames <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range slow {
		httpx.RecordBroadcastDrop()
		h.logger.Warn("dropping slow websocket subscriber",
			zap.String("conversation_id", conversationID.String()))
		h.unsubscribe(sub)
	}
}

// SubscriberCount reports the current number of subscribers for a
// conversation.
func (h *Hub) SubscriberCount(conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}
