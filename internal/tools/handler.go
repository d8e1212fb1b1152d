package tools

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

// Handler exposes the tool registry over HTTP.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new tools Handler.
func NewHandler(svc *Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the tool registry routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	tools := rg.Group("/tools", auth.Authenticated(h.verifier))
	{
		tools.POST("", auth.RequirePermission(auth.PermToolCreate), h.CreateTool)
		tools.GET("", h.ListTools)
		tools.GET("/:id", h.GetTool)
		tools.PATCH("/:id", h.UpdateTool)
		tools.DELETE("/:id", h.DeleteTool)
		tools.POST("/:id/approve", auth.RequirePermission(auth.PermAdminManage), h.ApproveTool)
	}
	cats := rg.Group("/tool-categories", auth.Authenticated(h.verifier))
	{
		cats.GET("", h.ListCategories)
		cats.POST("", auth.RequirePermission(auth.PermAdminManage), h.CreateCategory)
	}
}

// CreateTool handles POST /tools.
func (h *Handler) CreateTool(c *gin.Context) {
	var req CreateToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	tool, err := h.svc.CreateTool(c.Request.Context(), p, req)
	if err != nil {
		h.fail(c, "create tool", err)
		return
	}
	c.JSON(http.StatusCreated, tool)
}

// ListTools handles GET /tools.
func (h *Handler) ListTools(c *gin.Context) {
	filter := ListFilter{Type: ToolType(c.Query("type"))}
	if raw := c.Query("category"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed category id"))
			return
		}
		filter.CategoryID = &id
	}

	p := auth.PrincipalFromCtx(c)
	out, err := h.svc.ListTools(c.Request.Context(), p, filter, pageFromQuery(c))
	if err != nil {
		h.fail(c, "list tools", err)
		return
	}
	if out == nil {
		out = []*Tool{}
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

// GetTool handles GET /tools/:id.
func (h *Handler) GetTool(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	tool, err := h.svc.GetTool(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, "get tool", err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

// UpdateTool handles PATCH /tools/:id.
func (h *Handler) UpdateTool(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req UpdateToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := auth.PrincipalFromCtx(c)
	tool, err := h.svc.UpdateTool(c.Request.Context(), p, id, req)
	if err != nil {
		h.fail(c, "update tool", err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

// DeleteTool handles DELETE /tools/:id.
func (h *Handler) DeleteTool(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	p := auth.PrincipalFromCtx(c)
	if err := h.svc.DeleteTool(c.Request.Context(), p, id); err != nil {
		h.fail(c, "delete tool", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ApproveTool handles POST /tools/:id/approve.
func (h *Handler) ApproveTool(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	tool, err := h.svc.ApproveTool(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "approve tool", err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

// ListCategories handles GET /tool-categories.
func (h *Handler) ListCategories(c *gin.Context) {
	cats, err := h.svc.ListCategories(c.Request.Context())
	if err != nil {
		h.fail(c, "list categories", err)
		return
	}
	if cats == nil {
		cats = []*ToolCategory{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

// CreateCategory handles POST /tool-categories.
func (h *Handler) CreateCategory(c *gin.Context) {
	var req CreateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	cat, err := h.svc.CreateCategory(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "create category", err)
		return
	}
	c.JSON(http.StatusCreated, cat)
}

// ── helpers ─────────────────────────────────────────────────────────────

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed id"))
		return uuid.Nil, false
	}
	return id, true
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
