package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DATA_DIR", "")
	t.Setenv("DOCKER_SOCKET", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg := Load()

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "/backups", cfg.DataDir)
	assert.Equal(t, "/var/run/docker.sock", cfg.DockerSocket)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.ServerName)
}

func TestLoadInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("ENV", "banana")
	cfg := Load()
	assert.Equal(t, EnvDevelopment, cfg.Environment)
}

func TestConfigDirLayout(t *testing.T) {
	cfg := Config{DataDir: "/backups"}
	assert.Equal(t, "/backups/backups", cfg.BackupsDir())
	assert.Equal(t, "/backups/config", cfg.ConfigDir())
	assert.Equal(t, "/backups/tmp", cfg.TempDir())
}

func TestEnsureLayoutCreatesDirsAndMigratesLegacyFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir}

	// Legacy layout: archives and database sitting in the root.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web_20240101_020000.tar.gz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web_20240101_020000.tar.gz.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stevedore.db"), []byte("db"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0o644))

	require.NoError(t, cfg.EnsureLayout(zerolog.Nop()))

	assert.FileExists(t, filepath.Join(cfg.BackupsDir(), "web_20240101_020000.tar.gz"))
	assert.FileExists(t, filepath.Join(cfg.BackupsDir(), "web_20240101_020000.tar.gz.json"))
	assert.FileExists(t, filepath.Join(cfg.ConfigDir(), "stevedore.db"))
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))

	// Idempotent on a second run.
	require.NoError(t, cfg.EnsureLayout(zerolog.Nop()))
}
