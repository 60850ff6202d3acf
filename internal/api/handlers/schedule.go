package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/models"
)

// ScheduleStore reads the singleton schedule.
type ScheduleStore interface {
	GetSchedule(ctx context.Context) (*models.Schedule, error)
}

// ScheduleUpdater applies a validated schedule and restarts the loop.
type ScheduleUpdater interface {
	Update(ctx context.Context, sched *models.Schedule) error
}

// ScheduleHandler handles the backup schedule endpoints.
type ScheduleHandler struct {
	store     ScheduleStore
	scheduler ScheduleUpdater
	logger    zerolog.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(store ScheduleStore, scheduler ScheduleUpdater, logger zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		store:     store,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "schedule_handler").Logger(),
	}
}

// RegisterRoutes registers schedule routes on the given router group.
func (h *ScheduleHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/schedule", h.Get)
	r.PUT("/schedule", h.Put)
}

// Get returns the configured schedule, or 404 when none exists yet.
func (h *ScheduleHandler) Get(c *gin.Context) {
	sched, err := h.store.GetSchedule(c.Request.Context())
	if err != nil {
		if errors.Is(err, db.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no schedule configured"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule"})
		return
	}
	c.JSON(http.StatusOK, sched)
}

// Put replaces the schedule. Validation errors come back as 400.
func (h *ScheduleHandler) Put(c *gin.Context) {
	var sched models.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule payload"})
		return
	}

	if err := sched.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.scheduler.Update(c.Request.Context(), &sched); err != nil {
		h.logger.Error().Err(err).Msg("failed to update schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update schedule"})
		return
	}

	c.JSON(http.StatusOK, sched)
}
