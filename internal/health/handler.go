// Package health serves the liveness and readiness endpoints and runs
// the background prober for deployed runtime endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports database connectivity. Satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves /health/liveness and /health/readiness.
type Handler struct {
	db    Pinger
	ready func() bool
}

// NewHandler creates a health Handler. The ready callback reports
// whether startup bootstrap has completed.
func NewHandler(db Pinger, ready func() bool) *Handler {
	return &Handler{db: db, ready: ready}
}

// Register mounts the health routes. They are unauthenticated.
func (h *Handler) Register(r gin.IRouter) {
	hg := r.Group("/health")
	{
		hg.GET("/liveness", h.Liveness)
		hg.GET("/readiness", h.Readiness)
	}
}

// Liveness handles GET /health/liveness. It answers as long as the
// process can serve requests at all.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness handles GET /health/readiness. Ready means the database
// answers a ping and startup bootstrap has finished.
func (h *Handler) Readiness(c *gin.Context) {
	if !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
