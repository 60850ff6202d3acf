// Package main is the entrypoint for the stevedore server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stevedore-app/stevedore/internal/api"
	"github.com/stevedore-app/stevedore/internal/backup"
	"github.com/stevedore-app/stevedore/internal/config"
	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/docker"
	"github.com/stevedore-app/stevedore/internal/metrics"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stevedore",
		Short:        "Stevedore - Docker container backup and restore companion",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Stevedore %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backup server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := run(); code != 0 {
				return fmt.Errorf("server exited with code %d", code)
			}
			return nil
		},
	}
}

func run() int {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting stevedore")

	if err := cfg.EnsureLayout(logger); err != nil {
		logger.Error().Err(err).Msg("data directory is unusable")
		return 1
	}

	store, err := db.Open(cfg.ConfigDir(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return 1
	}
	defer store.Close()

	dockerClient, err := docker.New(cfg.DockerSocket, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create docker client")
		return 1
	}
	defer dockerClient.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dockerClient.Ping(startupCtx); err != nil {
		// The service stays up so the API can report the condition.
		logger.Warn().Err(err).Msg("docker daemon not reachable at startup")
	} else if removed := dockerClient.SweepOrphanedHelpers(startupCtx); removed > 0 {
		logger.Info().Int("removed", removed).Msg("swept orphaned helper containers")
	}
	cancelStartup()

	local := storage.NewLocal(cfg.BackupsDir(), cfg.TempDir(), logger)
	manager := storage.NewManager(local, logger)
	if settings, err := store.GetStorageSettings(context.Background()); err == nil && settings != nil && settings.Enabled {
		remote, err := storage.NewS3Remote(context.Background(), settings, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("stored S3 settings are unusable, staying local-only")
		} else {
			manager.SetRemote(remote)
			logger.Info().Str("bucket", settings.Bucket).Msg("remote object store enabled")
		}
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	registry := backup.NewRegistry()
	engine := backup.NewEngine(dockerClient, store, manager, registry, m, cfg.ServerName, cfg.TempDir(), logger)
	if hostname, err := os.Hostname(); err == nil {
		engine.SetSelf(hostname, []string{os.Getenv("STEVEDORE_DATA_VOLUME")})
	}

	supervisor := backup.NewSupervisor(engine, registry, m, logger)
	defer supervisor.Stop()

	restorer := backup.NewRestorer(dockerClient, store, manager, m, cfg.TempDir(), logger)
	retention := backup.NewRetention(manager, store, logger)
	networks := backup.NewNetworks(dockerClient, cfg.BackupsDir(), cfg.ServerName, logger)

	scheduler := backup.NewScheduler(store, supervisor, retention, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// Hourly housekeeping: leaked helpers, aged temp pulls, stale progress
	// records.
	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		dockerClient.SweepOrphanedHelpers(ctx)
		local.SweepTemp()
		registry.Evict()
	}); err != nil {
		logger.Error().Err(err).Msg("failed to register maintenance job")
		return 1
	}
	maintenance.Start()
	defer maintenance.Stop()

	router := api.NewRouter(api.Deps{
		Store:      store,
		Docker:     dockerClient,
		Storage:    manager,
		Supervisor: supervisor,
		Restorer:   restorer,
		Scheduler:  scheduler,
		Networks:   networks,
		Registry:   promRegistry,
		Version:    Version,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return 1
	}

	logger.Info().Msg("server stopped gracefully")
	return 0
}
