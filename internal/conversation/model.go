package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role classifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is a chat session bound to one agent.
type Conversation struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"   db:"owner_id"`
	AgentID   uuid.UUID       `json:"agent_id"   db:"agent_id"`
	Title     string          `json:"title"      db:"title"`
	Metadata  json.RawMessage `json:"metadata"   db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Message is one turn within a conversation. Messages are totally
// ordered by (created_at, id).
type Message struct {
	ID             uuid.UUID       `json:"id"              db:"id"`
	ConversationID uuid.UUID       `json:"conversation_id" db:"conversation_id"`
	Role           Role            `json:"role"            db:"role"`
	Content        string          `json:"content"         db:"content"`
	Metadata       json.RawMessage `json:"metadata"        db:"metadata"`
	CreatedAt      time.Time       `json:"created_at"      db:"created_at"`
}

// CreateConversationRequest is the POST /conversations body.
type CreateConversationRequest struct {
	AgentID  uuid.UUID       `json:"agent_id" binding:"required"`
	Title    string          `json:"title"`
	Metadata json.RawMessage `json:"metadata"`
}

// AppendMessageRequest is the POST /conversations/:id/messages body.
type AppendMessageRequest struct {
	Role     Role            `json:"role"    binding:"required"`
	Content  string          `json:"content" binding:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

// Frame types broadcast to WebSocket subscribers.
const (
	FrameConnected = "connected"
	FrameAck       = "ack"
	FrameStream    = "stream"
	FrameComplete  = "complete"
	FrameWarn      = "warn"
	FrameInfo      = "info"
)

// Frame is one WebSocket event. Within a turn, the ack precedes any
// stream frames and complete is always last.
type Frame struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Page bounds list queries.
type Page struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// Clamp applies the default and maximum page size.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
