package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// StorageSettingsStore persists the S3 configuration.
type StorageSettingsStore interface {
	GetStorageSettings(ctx context.Context) (*models.StorageSettings, error)
	SaveStorageSettings(ctx context.Context, settings *models.StorageSettings) error
}

// StorageHandler manages the optional object-store configuration.
type StorageHandler struct {
	store   StorageSettingsStore
	manager *storage.Manager
	logger  zerolog.Logger
}

// NewStorageHandler creates a new StorageHandler.
func NewStorageHandler(store StorageSettingsStore, manager *storage.Manager, logger zerolog.Logger) *StorageHandler {
	return &StorageHandler{
		store:   store,
		manager: manager,
		logger:  logger.With().Str("component", "storage_handler").Logger(),
	}
}

// RegisterRoutes registers storage settings routes on the given router group.
func (h *StorageHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/storage", h.Get)
	r.PUT("/storage", h.Put)
}

// Get returns the storage settings with the secret key redacted.
func (h *StorageHandler) Get(c *gin.Context) {
	settings, err := h.store.GetStorageSettings(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load storage settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load storage settings"})
		return
	}
	if settings == nil {
		settings = &models.StorageSettings{}
	}
	if settings.SecretAccessKey != "" {
		settings.SecretAccessKey = "********"
	}
	c.JSON(http.StatusOK, settings)
}

// Put replaces the storage settings and swaps the live remote client. An
// enabled configuration that cannot build a client is rejected.
func (h *StorageHandler) Put(c *gin.Context) {
	var settings models.StorageSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid storage settings payload"})
		return
	}

	if settings.Enabled {
		remote, err := storage.NewS3Remote(c.Request.Context(), &settings, h.logger)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.manager.SetRemote(remote)
	} else {
		h.manager.SetRemote(nil)
	}

	if err := h.store.SaveStorageSettings(c.Request.Context(), &settings); err != nil {
		h.logger.Error().Err(err).Msg("failed to save storage settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save storage settings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": settings.Enabled})
}
