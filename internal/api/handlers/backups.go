// Package handlers implements the HTTP handlers for the API server.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/backup"
	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// BackupSupervisor is the supervisor surface the backups handler needs.
type BackupSupervisor interface {
	Start(containerID, containerName string, queueIfBusy, scheduled bool) (models.ProgressRecord, error)
	Progress(id string) (models.ProgressRecord, bool)
	Status() backup.Status
}

// BackupAuditStore persists audit rows for explicit deletions.
type BackupAuditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter db.AuditLogFilter) ([]*models.AuditLog, error)
}

// BackupsHandler handles backup submission, progress and archive management.
type BackupsHandler struct {
	supervisor BackupSupervisor
	storage    *storage.Manager
	store      BackupAuditStore
	logger     zerolog.Logger
}

// NewBackupsHandler creates a new BackupsHandler.
func NewBackupsHandler(supervisor BackupSupervisor, manager *storage.Manager, store BackupAuditStore, logger zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		supervisor: supervisor,
		storage:    manager,
		store:      store,
		logger:     logger.With().Str("component", "backups_handler").Logger(),
	}
}

// RegisterRoutes registers backup routes on the given router group.
func (h *BackupsHandler) RegisterRoutes(r *gin.RouterGroup) {
	backups := r.Group("/backups")
	{
		backups.POST("", h.Submit)
		backups.GET("", h.List)
		backups.GET("/status", h.Status)
		backups.GET("/progress/:id", h.Progress)
		backups.GET("/download-all", h.DownloadAll)
		backups.GET("/:filename/download", h.Download)
		backups.DELETE("/:filename", h.Delete)
	}
	r.GET("/audit-logs", h.AuditLogs)
}

type submitRequest struct {
	ContainerID   string `json:"container_id" binding:"required"`
	ContainerName string `json:"container_name"`
	QueueIfBusy   bool   `json:"queue_if_busy"`
}

// Submit starts or queues a backup. A held slot with queueing declined
// returns 409 plus the current-operation descriptor.
func (h *BackupsHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "container_id is required"})
		return
	}

	rec, err := h.supervisor.Start(req.ContainerID, req.ContainerName, req.QueueIfBusy, false)
	if err != nil {
		var busy *backup.BusyError
		if errors.As(err, &busy) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "a backup is already running",
				"current": busy.Current,
			})
			return
		}
		if errors.Is(err, backup.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup queue is full"})
			return
		}
		h.logger.Error().Err(err).Msg("backup submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start backup"})
		return
	}

	c.JSON(http.StatusAccepted, rec)
}

// Progress returns the progress record for a submission. Polls are
// memory-only and never touch the Docker daemon.
func (h *BackupsHandler) Progress(c *gin.Context) {
	rec, ok := h.supervisor.Progress(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Status reports the supervisor's slot, current operation and queue depth.
func (h *BackupsHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.supervisor.Status())
}

// List returns local and remote archives merged.
func (h *BackupsHandler) List(c *gin.Context) {
	listings, err := h.storage.List(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list backups"})
		return
	}
	if listings == nil {
		listings = []models.BackupListing{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": listings})
}

// Download streams an archive body, pulling it from the remote when the
// local copy was already offloaded.
func (h *BackupsHandler) Download(c *gin.Context) {
	filename := c.Param("filename")

	path, err := h.storage.Fetch(c.Request.Context(), filename)
	if err != nil {
		if errors.Is(err, storage.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
			return
		}
		h.logger.Error().Err(err).Str("file", filename).Msg("failed to fetch backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch backup"})
		return
	}

	c.FileAttachment(path, filepath.Base(filename))
}

// DownloadAll bundles every archive into one tar and streams it. Assembly
// is bounded by the storage bundle timeout.
func (h *BackupsHandler) DownloadAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storage.BundleTimeout)
	defer cancel()

	path, err := h.storage.BundleAll(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no backups to download"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to assemble download bundle")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assemble download bundle"})
		return
	}
	defer os.Remove(path)

	c.FileAttachment(path, filepath.Base(path))
}

// Delete removes an archive body, sidecar and remote object.
func (h *BackupsHandler) Delete(c *gin.Context) {
	filename := c.Param("filename")

	if err := h.storage.Delete(c.Request.Context(), filename); err != nil {
		if errors.Is(err, storage.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
			return
		}
		h.logger.Error().Err(err).Str("file", filename).Msg("failed to delete backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete backup"})
		return
	}

	log := models.NewAuditLog(models.AuditActionDelete, "backup", models.AuditResultSuccess).
		WithResource(filename)
	if err := h.store.CreateAuditLog(c.Request.Context(), log); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write audit log")
	}

	c.JSON(http.StatusOK, gin.H{"deleted": filename})
}

// AuditLogs returns recent audit rows, optionally filtered by action.
func (h *BackupsHandler) AuditLogs(c *gin.Context) {
	filter := db.AuditLogFilter{Limit: 100}
	if action := c.Query("action"); action != "" {
		filter.Action = action
	}

	logs, err := h.store.ListAuditLogs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list audit logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit logs"})
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}
