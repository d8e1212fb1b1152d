package catalog

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

// Handler exposes the agent catalog over HTTP.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new catalog Handler.
func NewHandler(svc *Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the catalog routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents", auth.Authenticated(h.verifier))
	{
		agents.POST("", auth.RequirePermission(auth.PermAgentCreate), h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:id", h.GetAgent)
		agents.PATCH("/:id", h.UpdateAgentMeta)
		agents.POST("/:id/archive", h.ArchiveAgent)
		agents.POST("/:id/versions", h.CreateVersion)
		agents.GET("/:id/versions", h.ListVersions)
		agents.GET("/:id/versions/latest", h.GetLatestVersion)
		agents.GET("/:id/versions/:number", h.GetVersion)
		agents.POST("/:id/versions/:number/publish", h.PublishVersion)
	}
}

// CreateAgent handles POST /agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	agent, version, err := h.svc.CreateAgent(c.Request.Context(), p, req)
	if err != nil {
		h.fail(c, "create agent", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent, "version": version})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	p := auth.PrincipalFromCtx(c)
	filter := ListFilter{
		Status: AgentStatus(c.Query("status")),
		Tag:    c.Query("tag"),
	}
	agents, err := h.svc.ListAgents(c.Request.Context(), p, filter, pageFromQuery(c))
	if err != nil {
		h.fail(c, "list agents", err)
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	agent, err := h.svc.GetAgent(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "get agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgentMeta handles PATCH /agents/:id.
func (h *Handler) UpdateAgentMeta(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	agent, err := h.svc.UpdateAgentMeta(c.Request.Context(), p, id, req)
	if err != nil {
		h.fail(c, "update agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ArchiveAgent handles POST /agents/:id/archive.
func (h *Handler) ArchiveAgent(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	agent, err := h.svc.ArchiveAgent(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "archive agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// CreateVersion handles POST /agents/:id/versions.
func (h *Handler) CreateVersion(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req NewVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	version, err := h.svc.UpdateAgentConfig(c.Request.Context(), p, id, req)
	if err != nil {
		h.fail(c, "create version", err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

// ListVersions handles GET /agents/:id/versions.
func (h *Handler) ListVersions(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	versions, err := h.svc.ListVersions(c.Request.Context(), p, id, pageFromQuery(c))
	if err != nil {
		h.fail(c, "list versions", err)
		return
	}
	if versions == nil {
		versions = []*AgentVersion{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// GetLatestVersion handles GET /agents/:id/versions/latest.
func (h *Handler) GetLatestVersion(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	version, err := h.svc.GetLatestVersion(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "get latest version", err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// GetVersion handles GET /agents/:id/versions/:number.
func (h *Handler) GetVersion(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	number, ok := h.versionNumber(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	version, err := h.svc.GetVersion(c.Request.Context(), p, id, number)
	if err != nil {
		h.fail(c, "get version", err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// PublishVersion handles POST /agents/:id/versions/:number/publish.
func (h *Handler) PublishVersion(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	number, ok := h.versionNumber(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	version, err := h.svc.PublishVersion(c.Request.Context(), p, id, number)
	if err != nil {
		h.fail(c, "publish version", err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// ── helpers ─────────────────────────────────────────────────────────────

func (h *Handler) pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) versionNumber(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n < 1 {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed version number"))
		return 0, false
	}
	return n, true
}

func pageFromQuery(c *gin.Context) Page {
	var p Page
	p.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	p.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return p
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if apperr.Status(err) >= 500 {
		h.logger.Error(op, zap.Error(err), zap.String("request_id", httpx.RequestIDFromCtx(c)))
	}
	httpx.Error(c, err)
}
