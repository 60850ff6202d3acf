package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/backup"
	"github.com/stevedore-app/stevedore/internal/docker"
)

// NetworkBackups backs up and restores network definitions.
type NetworkBackups interface {
	Backup(ctx context.Context, name string) (string, error)
	Restore(ctx context.Context, filename string) (string, error)
	List() ([]string, error)
}

// NetworksHandler handles network backup endpoints.
type NetworksHandler struct {
	networks NetworkBackups
	logger   zerolog.Logger
}

// NewNetworksHandler creates a new NetworksHandler.
func NewNetworksHandler(networks NetworkBackups, logger zerolog.Logger) *NetworksHandler {
	return &NetworksHandler{
		networks: networks,
		logger:   logger.With().Str("component", "networks_handler").Logger(),
	}
}

// RegisterRoutes registers network backup routes on the given router group.
func (h *NetworksHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/networks/:name/backup", h.Backup)
	r.POST("/networks/restore", h.Restore)
	r.GET("/networks/backups", h.List)
}

// Backup writes a network definition backup file.
func (h *NetworksHandler) Backup(c *gin.Context) {
	filename, err := h.networks.Backup(c.Request.Context(), c.Param("name"))
	if err != nil {
		switch {
		case errors.Is(err, backup.ErrDefaultNetwork):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case docker.IsKind(err, docker.KindNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "network not found"})
		default:
			h.logger.Error().Err(err).Str("network", c.Param("name")).Msg("network backup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "network backup failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename})
}

type networkRestoreRequest struct {
	Filename string `json:"filename" binding:"required"`
}

// Restore recreates a network from a backup file.
func (h *NetworksHandler) Restore(c *gin.Context) {
	var req networkRestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}

	name, err := h.networks.Restore(c.Request.Context(), req.Filename)
	if err != nil {
		if errors.Is(err, backup.ErrDefaultNetwork) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).Str("file", req.Filename).Msg("network restore failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": name})
}

// List returns the available network backup files.
func (h *NetworksHandler) List(c *gin.Context) {
	files, err := h.networks.List()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list network backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list network backups"})
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}
