package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/httpx"
)

const principalCtxKey = "agentplane_principal"

// BearerFromRequest extracts the bearer token from the Authorization
// header or, for WebSocket upgrades, the ?token= query parameter. The two
// sources carry equivalent trust.
func BearerFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticated returns a middleware that verifies the bearer token and
// stores the Principal in the request context. Machine principals holding
// agent:read:any may pivot ownership with the X-On-Behalf-Of header.
func Authenticated(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerFromRequest(c.Request)
		p, err := v.Verify(c.Request.Context(), raw)
		if err != nil {
			httpx.Error(c, err)
			return
		}

		if onBehalf := c.GetHeader("X-On-Behalf-Of"); onBehalf != "" {
			if p.Kind != PrincipalMachine || !p.HasPermission(PermAgentReadAny) {
				httpx.Error(c, apperr.E(apperr.KindForbidden, "on-behalf-of requires a machine principal with agent:read:any"))
				return
			}
			userID, err := uuid.Parse(onBehalf)
			if err != nil {
				httpx.Error(c, apperr.E(apperr.KindInvalidInput, "malformed X-On-Behalf-Of header"))
				return
			}
			p.OnBehalfOf = &userID
		}

		c.Set(principalCtxKey, p)
		c.Next()
	}
}

// RequirePermission returns a middleware enforcing a permission on the
// already-authenticated principal. Must run after Authenticated.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Require(PrincipalFromCtx(c), perm); err != nil {
			httpx.Error(c, err)
			return
		}
		c.Next()
	}
}

// PrincipalFromCtx returns the Principal stored by Authenticated, or nil.
func PrincipalFromCtx(c *gin.Context) *Principal {
	v, ok := c.Get(principalCtxKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}
