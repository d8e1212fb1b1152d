package conversation

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// Handler exposes the conversation REST surface and the WebSocket
// subscription endpoint.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	logger   *zap.Logger

	upgrader websocket.Upgrader
}

// NewHandler creates a new conversation Handler.
func NewHandler(svc *Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin; bearer auth is the
			// access control, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the conversation routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	conv := rg.Group("/conversations", auth.Authenticated(h.verifier))
	{
		conv.POST("", h.Create)
		conv.GET("", h.List)
		conv.GET("/:id", h.Get)
		conv.GET("/:id/messages", h.ListMessages)
		conv.POST("/:id/messages", h.AppendMessage)
	}
	// The token may arrive as ?token= since browsers cannot set headers
	// on WebSocket dials.
	rg.GET("/ws/conversations/:id", auth.Authenticated(h.verifier), h.Subscribe)
}

// Create handles POST /conversations.
func (h *Handler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	conv, err := h.svc.Create(c.Request.Context(), auth.PrincipalFromCtx(c), req)
	if err != nil {
		h.fail(c, "create conversation", err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// Get handles GET /conversations/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	conv, err := h.svc.Get(c.Request.Context(), auth.PrincipalFromCtx(c), id)
	if err != nil {
		h.fail(c, "get conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// List handles GET /conversations.
func (h *Handler) List(c *gin.Context) {
	var page Page
	if err := c.ShouldBindQuery(&page); err != nil {
		httpx.BindError(c, err)
		return
	}
	out, err := h.svc.List(c.Request.Context(), auth.PrincipalFromCtx(c), page)
	if err != nil {
		h.fail(c, "list conversations", err)
		return
	}
	if out == nil {
		out = []*Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// ListMessages handles GET /conversations/:id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var page Page
	if err := c.ShouldBindQuery(&page); err != nil {
		httpx.BindError(c, err)
		return
	}
	out, err := h.svc.Messages(c.Request.Context(), auth.PrincipalFromCtx(c), id, page)
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	if out == nil {
		out = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// AppendMessage handles POST /conversations/:id/messages.
func (h *Handler) AppendMessage(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	m, err := h.svc.Append(c.Request.Context(), auth.PrincipalFromCtx(c), id, req)
	if err != nil {
		h.fail(c, "append message", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// Subscribe handles GET /ws/conversations/:id. The connection receives
// every frame broadcast for the conversation until the client hangs up
// or falls too far behind.
func (h *Handler) Subscribe(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	if _, err := h.svc.Get(c.Request.Context(), p, id); err != nil {
		h.fail(c, "subscribe", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.svc.Hub().Subscribe(id)
	defer sub.Close()

	// Drain client frames so pings and close messages are processed.
	// Inbound data frames are ignored; messages arrive via REST.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	if err := h.writeFrame(conn, Frame{Type: FrameConnected}); err != nil {
		return
	}
	for frame := range sub.Frames() {
		if err := h.writeFrame(conn, frame); err != nil {
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame Frame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
	return conn.WriteJSON(frame)
}

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if apperr.Status(err) >= 500 {
		h.logger.Error(op, zap.Error(err), zap.String("request_id", httpx.RequestIDFromCtx(c)))
	}
	httpx.Error(c, err)
}
