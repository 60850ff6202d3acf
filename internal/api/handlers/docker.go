package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/docker"
)

// DockerHandler exposes read-only daemon listings.
type DockerHandler struct {
	docker *docker.Client
	logger zerolog.Logger
}

// NewDockerHandler creates a new DockerHandler.
func NewDockerHandler(client *docker.Client, logger zerolog.Logger) *DockerHandler {
	return &DockerHandler{
		docker: client,
		logger: logger.With().Str("component", "docker_handler").Logger(),
	}
}

// RegisterRoutes registers daemon listing routes on the given router group.
func (h *DockerHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/containers", h.Containers)
	r.GET("/containers/:id", h.InspectContainer)
	r.GET("/images", h.Images)
	r.GET("/volumes", h.Volumes)
	r.GET("/networks", h.NetworksList)
	r.GET("/events", h.Events)
	r.GET("/disk-usage", h.DiskUsage)
}

func (h *DockerHandler) daemonError(c *gin.Context, err error) {
	switch {
	case docker.IsKind(err, docker.KindNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case docker.IsKind(err, docker.KindSocketUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker daemon unavailable"})
	case docker.IsKind(err, docker.KindPermissionDenied):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "permission denied on docker socket"})
	default:
		h.logger.Error().Err(err).Msg("daemon request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "docker request failed"})
	}
}

// Containers lists containers, helpers filtered out.
func (h *DockerHandler) Containers(c *gin.Context) {
	all := c.DefaultQuery("all", "true") == "true"
	list, err := h.docker.ListContainers(c.Request.Context(), all)
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": list})
}

// InspectContainer returns the full inspect document for one container.
func (h *DockerHandler) InspectContainer(c *gin.Context) {
	info, err := h.docker.InspectContainer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Images lists images.
func (h *DockerHandler) Images(c *gin.Context) {
	list, err := h.docker.ListImages(c.Request.Context())
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": list})
}

// Volumes lists volumes.
func (h *DockerHandler) Volumes(c *gin.Context) {
	list, err := h.docker.ListVolumes(c.Request.Context())
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volumes": list})
}

// NetworksList lists networks.
func (h *DockerHandler) NetworksList(c *gin.Context) {
	list, err := h.docker.ListNetworks(c.Request.Context())
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": list})
}

// Events returns a bounded slice of recent daemon events.
func (h *DockerHandler) Events(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	filters := map[string]string{}
	if eventType := c.Query("type"); eventType != "" {
		filters["type"] = eventType
	}

	events, err := h.docker.Events(c.Request.Context(), c.Query("since"), c.Query("until"), filters, limit)
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// DiskUsage reports daemon disk usage.
func (h *DockerHandler) DiskUsage(c *gin.Context) {
	du, err := h.docker.DiskUsage(c.Request.Context())
	if err != nil {
		h.daemonError(c, err)
		return
	}
	c.JSON(http.StatusOK, du)
}
