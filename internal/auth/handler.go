package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

// Handler exposes the identity store over HTTP: user endpoints, the
// client-credentials token endpoint, and the admin surface.
type Handler struct {
	svc      *Service
	verifier *Verifier
	logger   *zap.Logger
}

// NewHandler creates a new identity Handler.
func NewHandler(svc *Service, verifier *Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the auth and admin routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	authGroup := rg.Group("/auth")
	{
		authGroup.POST("/users/register", h.RegisterUser)
		authGroup.POST("/users/login", h.LoginUser)
		authGroup.GET("/users/me", Authenticated(h.verifier), h.GetMe)
		authGroup.PATCH("/users/me", Authenticated(h.verifier), h.UpdateMe)
		authGroup.POST("/token", h.IssueToken)
	}

	admin := rg.Group("/admin", Authenticated(h.verifier), RequirePermission(PermAdminManage))
	{
		admin.POST("/roles", h.CreateRole)
		admin.GET("/roles", h.ListRoles)
		admin.DELETE("/roles/:id", h.DeleteRole)
		admin.POST("/roles/:id/permissions", h.AttachPermission)
		admin.POST("/permissions", h.CreatePermission)
		admin.GET("/permissions", h.ListPermissions)
		admin.DELETE("/permissions/:id", h.DeletePermission)
		admin.POST("/clients", h.CreateClient)
		admin.GET("/clients", h.ListClients)
		admin.POST("/clients/:id/roles", h.AssignClientRole)
		admin.DELETE("/clients/:id", h.RevokeClient)
	}
}

// ── Request types ───────────────────────────────────────────────────────

type registerRequest struct {
	Email       string `json:"email"    binding:"required,email"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"    binding:"required"`
	ClientID     string `json:"client_id"     binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

type createRoleRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type createPermissionRequest struct {
	Name string `json:"name" binding:"required"`
}

type attachPermissionRequest struct {
	PermissionID string `json:"permission_id" binding:"required"`
}

type createClientRequest struct {
	Name  string   `json:"name"  binding:"required"`
	Roles []string `json:"roles"`
}

type assignClientRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// ── User endpoints ──────────────────────────────────────────────────────

// RegisterUser handles POST /auth/users/register.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	profile, session, err := h.svc.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.fail(c, "register user", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": profile, "session": session})
}

// LoginUser handles POST /auth/users/login. The identity provider's
// tokens are returned to the caller unchanged.
func (h *Handler) LoginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	session, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, "login user", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetMe handles GET /auth/users/me.
func (h *Handler) GetMe(c *gin.Context) {
	p := PrincipalFromCtx(c)
	profile, err := h.svc.GetProfile(c.Request.Context(), p.EffectiveOwner())
	if err != nil {
		h.fail(c, "get profile", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// UpdateMe handles PATCH /auth/users/me.
func (h *Handler) UpdateMe(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}

	p := PrincipalFromCtx(c)
	profile, err := h.svc.UpdateProfile(c.Request.Context(), p.EffectiveOwner(), req.DisplayName)
	if err != nil {
		h.fail(c, "update profile", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ── Token endpoint ──────────────────────────────────────────────────────

// IssueToken handles POST /auth/token. Only the client_credentials grant
// is supported. Credentials are accepted as JSON, form parameters, or
// HTTP basic auth; the latter two are what oauth2 client libraries send.
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if c.ContentType() == "application/x-www-form-urlencoded" {
		req.GrantType = c.PostForm("grant_type")
		req.ClientID = c.PostForm("client_id")
		req.ClientSecret = c.PostForm("client_secret")
		if id, secret, ok := c.Request.BasicAuth(); ok {
			req.ClientID = id
			req.ClientSecret = secret
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	if req.GrantType != "client_credentials" {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "unsupported grant_type"))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		httpx.Error(c, apperr.E(apperr.KindUnauthenticated, "invalid client credentials"))
		return
	}

	token, err := h.svc.IssueClientToken(c.Request.Context(), clientID, req.ClientSecret)
	if err != nil {
		h.fail(c, "issue client token", err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// ── Admin endpoints ─────────────────────────────────────────────────────

// CreateRole handles POST /admin/roles.
func (h *Handler) CreateRole(c *gin.Context) {
	var req createRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	role, err := h.svc.CreateRole(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(c, "create role", err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

// ListRoles handles GET /admin/roles.
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.svc.ListRoles(c.Request.Context())
	if err != nil {
		h.fail(c, "list roles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

// DeleteRole handles DELETE /admin/roles/:id.
func (h *Handler) DeleteRole(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteRole(c.Request.Context(), id); err != nil {
		h.fail(c, "delete role", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AttachPermission handles POST /admin/roles/:id/permissions.
func (h *Handler) AttachPermission(c *gin.Context) {
	roleID, ok := h.pathID(c)
	if !ok {
		return
	}
	var req attachPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	permID, err := uuid.Parse(req.PermissionID)
	if err != nil {
		httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed permission_id"))
		return
	}
	if err := h.svc.AttachPermission(c.Request.Context(), roleID, permID); err != nil {
		h.fail(c, "attach permission", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreatePermission handles POST /admin/permissions.
func (h *Handler) CreatePermission(c *gin.Context) {
	var req createPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	perm, err := h.svc.CreatePermission(c.Request.Context(), req.Name)
	if err != nil {
		h.fail(c, "create permission", err)
		return
	}
	c.JSON(http.StatusCreated, perm)
}

// ListPermissions handles GET /admin/permissions.
func (h *Handler) ListPermissions(c *gin.Context) {
	perms, err := h.svc.ListPermissions(c.Request.Context())
	if err != nil {
		h.fail(c, "list permissions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}

// DeletePermission handles DELETE /admin/permissions/:id.
func (h *Handler) DeletePermission(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.svc.DeletePermission(c.Request.Context(), id); err != nil {
		h.fail(c, "delete permission", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateClient handles POST /admin/clients. The plaintext secret appears
// only in this response.
func (h *Handler) CreateClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	client, secret, err := h.svc.CreateClient(c.Request.Context(), req.Name, req.Roles)
	if err != nil {
		h.fail(c, "create client", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"client_id":     client.ClientID,
		"client_secret": secret,
		"name":          client.Name,
		"roles":         client.Roles,
	})
}

// ListClients handles GET /admin/clients.
func (h *Handler) ListClients(c *gin.Context) {
	clients, err := h.svc.ListClients(c.Request.Context())
	if err != nil {
		h.fail(c, "list clients", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// AssignClientRole handles POST /admin/clients/:id/roles.
func (h *Handler) AssignClientRole(c *gin.Context) {
	clientID, ok := h.pathID(c)
	if !ok {
		return
	}
	var req assignClientRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BindError(c, err)
		return
	}
	if err := h.svc.AssignClientRole(c.Request.Context(), clientID, req.Role); err != nil {
		h.fail(c, "assign client role", err)
		return
	}
	h.verifier.InvalidateGrants(clientID.String())
	c.Status(http.StatusNoContent)
}

// RevokeClient handles DELETE /admin/clients/:id.
func (h *Handler) RevokeClient(c *gin.Context) {
	clientID, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.svc.RevokeClient(c.Request.Context(), clientID); err != nil {
		h.fail(c, "revoke client", err)
		return
	}
	h.verifier.InvalidateGrants(clientID.String())
	c.Status(http.StatusNoContent)
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

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if apperr.Status(err) >= 500 {
		h.logger.Error(op, zap.Error(err), zap.String("request_id", httpx.RequestIDFromCtx(c)))
	}
	httpx.Error(c, err)
}
