// Package config provides configuration management for Stevedore.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ErrDataDirNotWritable is returned when the data mount cannot be written.
// The service degrades to read-only and refuses backup-producing endpoints.
var ErrDataDirNotWritable = errors.New("data directory is not writable")

// Config holds service configuration loaded from environment variables.
type Config struct {
	Environment  Environment
	ListenAddr   string
	DataDir      string // root of the /backups mount
	DockerSocket string // absolute path to the Docker daemon socket
	ServerName   string // display name written into archive metadata
	LogLevel     string
}

// BackupsDir returns the directory holding archive bodies.
func (c Config) BackupsDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// ConfigDir returns the directory holding the database and settings.
func (c Config) ConfigDir() string {
	return filepath.Join(c.DataDir, "config")
}

// TempDir returns the scratch directory for working trees and remote pulls.
// It lives outside the served backups directory on purpose.
func (c Config) TempDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// Load reads service configuration from environment variables.
func Load() Config {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	serverName := getEnv("SERVER_NAME", "")
	if serverName == "" {
		if host, err := os.Hostname(); err == nil {
			serverName = host
		} else {
			serverName = "stevedore"
		}
	}

	return Config{
		Environment:  env,
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		DataDir:      getEnv("DATA_DIR", "/backups"),
		DockerSocket: getEnv("DOCKER_SOCKET", "/var/run/docker.sock"),
		ServerName:   serverName,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

// EnsureLayout creates the data directory layout and migrates legacy files.
// Earlier releases kept archives and the database in the data root; they are
// moved into backups/ and config/ on first run.
func (c Config) EnsureLayout(logger zerolog.Logger) error {
	for _, dir := range []string{c.BackupsDir(), c.ConfigDir(), c.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrDataDirNotWritable, err)
		}
	}

	if err := checkWritable(c.DataDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.DataDir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		src := filepath.Join(c.DataDir, name)

		var dst string
		switch {
		case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tar.gz.json"):
			dst = filepath.Join(c.BackupsDir(), name)
		case strings.HasSuffix(name, ".db"), strings.HasSuffix(name, ".db-wal"), strings.HasSuffix(name, ".db-shm"), name == "settings.json":
			dst = filepath.Join(c.ConfigDir(), name)
		default:
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("failed to migrate legacy file")
			continue
		}
		logger.Info().Str("file", name).Str("dest", dst).Msg("migrated legacy file")
	}

	return nil
}

// checkWritable verifies the directory accepts writes by creating a probe file.
func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".write-check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataDirNotWritable, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}
