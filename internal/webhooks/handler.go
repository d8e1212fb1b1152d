package webhooks

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

// Handler exposes subscription management over HTTP.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(svc *Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the webhook routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	wh := rg.Group("/webhooks", auth.Authenticated(h.verifier))
	{
		wh.POST("", h.CreateSubscription)
		wh.GET("", h.ListSubscriptions)
		wh.GET("/:id/deliveries", h.ListDeliveries)
		wh.DELETE("/:id", h.DeleteSubscription)
	}
}

// CreateSubscription handles POST /webhooks. The HMAC secret appears
// only in this response.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	sub, err := h.svc.Subscribe(c.Request.Context(), p.EffectiveOwner(), req)
	if err != nil {
		h.fail(c, "create subscription", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	p := auth.PrincipalFromCtx(c)
	subs, err := h.svc.ListByOwner(c.Request.Context(), p.EffectiveOwner())
	if err != nil {
		h.fail(c, "list subscriptions", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// ListDeliveries handles GET /webhooks/:id/deliveries.
func (h *Handler) ListDeliveries(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	p := auth.PrincipalFromCtx(c)
	deliveries, err := h.svc.Deliveries(c.Request.Context(), p.EffectiveOwner(), id, limit)
	if err != nil {
		h.fail(c, "list deliveries", err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// DeleteSubscription handles DELETE /webhooks/:id.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	if err := h.svc.Unsubscribe(c.Request.Context(), p.EffectiveOwner(), id); err != nil {
		h.fail(c, "delete subscription", err)
		return
	}
	c.Status(http.StatusNoContent)
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
