package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/backup"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// ContainerRestorer rebuilds a container from an archive.
type ContainerRestorer interface {
	Restore(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreResult, error)
}

// RestoreHandler handles restore requests.
type RestoreHandler struct {
	restorer ContainerRestorer
	logger   zerolog.Logger
}

// NewRestoreHandler creates a new RestoreHandler.
func NewRestoreHandler(restorer ContainerRestorer, logger zerolog.Logger) *RestoreHandler {
	return &RestoreHandler{
		restorer: restorer,
		logger:   logger.With().Str("component", "restore_handler").Logger(),
	}
}

// RegisterRoutes registers restore routes on the given router group.
func (h *RestoreHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/restore", h.Restore)
}

type restoreRequest struct {
	Filename         string            `json:"filename" binding:"required"`
	NewName          string            `json:"new_name"`
	OverwriteVolumes *bool             `json:"overwrite_volumes"`
	PortOverrides    map[string]string `json:"port_overrides"`
	User             string            `json:"user"`
}

// Restore runs a synchronous restore. Volume conflicts come back as a
// structured 409 so the caller can re-invoke with an explicit decision.
func (h *RestoreHandler) Restore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}

	result, err := h.restorer.Restore(c.Request.Context(), backup.RestoreRequest{
		Filename:         req.Filename,
		NewName:          req.NewName,
		OverwriteVolumes: req.OverwriteVolumes,
		PortOverrides:    req.PortOverrides,
		User:             req.User,
	})
	if err != nil {
		var conflict *backup.VolumeConflictError
		switch {
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "volumes already exist",
				"status":  "volume_conflict",
				"volumes": conflict.Volumes,
			})
		case errors.Is(err, storage.ErrArchiveNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
		case errors.Is(err, archive.ErrMalformed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Str("file", req.Filename).Msg("restore failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}
