// Package api provides the HTTP API for the stevedore server.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/api/handlers"
	"github.com/stevedore-app/stevedore/internal/api/middleware"
	"github.com/stevedore-app/stevedore/internal/backup"
	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/docker"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// Deps holds everything the router wires together.
type Deps struct {
	Store      *db.Store
	Docker     *docker.Client
	Storage    *storage.Manager
	Supervisor *backup.Supervisor
	Restorer   *backup.Restorer
	Scheduler  *backup.Scheduler
	Networks   *backup.Networks
	Registry   *prometheus.Registry
	Version    string
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Deps, logger zerolog.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(logger))

	// Public endpoints.
	healthHandler := handlers.NewHealthHandler(deps.Docker, deps.Version, logger)
	healthHandler.RegisterPublicRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	apiGroup := engine.Group("/api")

	backupsHandler := handlers.NewBackupsHandler(deps.Supervisor, deps.Storage, deps.Store, logger)
	backupsHandler.RegisterRoutes(apiGroup)

	restoreHandler := handlers.NewRestoreHandler(deps.Restorer, logger)
	restoreHandler.RegisterRoutes(apiGroup)

	scheduleHandler := handlers.NewScheduleHandler(deps.Store, deps.Scheduler, logger)
	scheduleHandler.RegisterRoutes(apiGroup)

	dockerHandler := handlers.NewDockerHandler(deps.Docker, logger)
	dockerHandler.RegisterRoutes(apiGroup)

	networksHandler := handlers.NewNetworksHandler(deps.Networks, logger)
	networksHandler.RegisterRoutes(apiGroup)

	storageHandler := handlers.NewStorageHandler(deps.Store, deps.Storage, logger)
	storageHandler.RegisterRoutes(apiGroup)

	return engine
}
