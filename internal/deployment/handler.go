package deployment

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

// Handler exposes the deployment engine over HTTP.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new deployment Handler.
func NewHandler(svc *Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the deployment routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	deployments := rg.Group("/deployments", auth.Authenticated(h.verifier))
	{
		deployments.POST("", auth.RequirePermission(auth.PermAgentDeploy), h.Create)
		deployments.GET("", h.List)
		deployments.GET("/:id", h.Get)
		deployments.GET("/:id/transitions", h.Transitions)
		deployments.DELETE("/:id", h.Stop)
	}
}

// Create handles POST /deployments.
func (h *Handler) Create(c *gin.Context) {
	var req CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	d, err := h.svc.Create(c.Request.Context(), p, req)
	if err != nil {
		h.fail(c, "create deployment", err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

// Get handles GET /deployments/:id. Clients poll this for pipeline
// progress; disconnects never cancel the pipeline.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	d, err := h.svc.Get(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "get deployment", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Transitions handles GET /deployments/:id/transitions.
func (h *Handler) Transitions(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	log, err := h.svc.Transitions(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "list transitions", err)
		return
	}
	if log == nil {
		log = []*Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": log})
}

// List handles GET /deployments.
func (h *Handler) List(c *gin.Context) {
	p := auth.PrincipalFromCtx(c)
	filter := ListFilter{Status: Status(c.Query("status"))}
	if raw := c.Query("agent_id"); raw != "" {
		agentID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed agent_id"))
			return
		}
		filter.AgentID = agentID
	}

	var page Page
	page.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	page.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	out, err := h.svc.List(c.Request.Context(), p, filter, page)
	if err != nil {
		h.fail(c, "list deployments", err)
		return
	}
	if out == nil {
		out = []*Deployment{}
	}
	c.JSON(http.StatusOK, gin.H{"deployments": out})
}

// Stop handles DELETE /deployments/:id.
func (h *Handler) Stop(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	d, err := h.svc.Stop(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "stop deployment", err)
		return
	}
	c.JSON(http.StatusAccepted, d)
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
