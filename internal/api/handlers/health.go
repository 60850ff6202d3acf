package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/docker"
)

// HealthHandler serves liveness and daemon-connectivity checks.
type HealthHandler struct {
	docker  *docker.Client
	version string
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(client *docker.Client, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		docker:  client,
		version: version,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health routes on the engine root.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
}

// Healthz reports service liveness plus daemon reachability. The service
// itself is healthy even when the daemon is not; the status field says which.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	daemon := "ok"
	status := http.StatusOK
	if err := h.docker.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("daemon ping failed")
		daemon = "unreachable"
	}

	c.JSON(status, gin.H{
		"status":  "ok",
		"docker":  daemon,
		"version": h.version,
	})
}
