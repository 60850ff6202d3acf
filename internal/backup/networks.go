package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/docker"
)

// ErrDefaultNetwork is returned when a backup or restore targets one of the
// daemon-managed networks, which cannot be meaningfully recreated.
var ErrDefaultNetwork = errors.New("default networks cannot be backed up or restored")

// defaultNetworks are daemon-managed and refused both ways.
var defaultNetworks = map[string]bool{
	"bridge":         true,
	"host":           true,
	"none":           true,
	"docker_gwbridge": true,
	"ingress":        true,
}

func isDefaultNetwork(name string) bool {
	return defaultNetworks[name]
}

// Networks backs up and restores user-defined network definitions. The
// on-disk form is the verbatim inspect document with server_name and
// backup_date added at the top level.
type Networks struct {
	docker     *docker.Client
	dir        string
	serverName string
	logger     zerolog.Logger
}

// NewNetworks creates a network backup manager writing into dir.
func NewNetworks(dockerClient *docker.Client, dir, serverName string, logger zerolog.Logger) *Networks {
	return &Networks{
		docker:     dockerClient,
		dir:        dir,
		serverName: serverName,
		logger:     logger.With().Str("component", "networks").Logger(),
	}
}

// Backup writes network_<name>_<ts>.json and returns the filename.
func (n *Networks) Backup(ctx context.Context, name string) (string, error) {
	if isDefaultNetwork(name) {
		return "", ErrDefaultNetwork
	}

	doc, err := n.docker.InspectNetworkRaw(ctx, name)
	if err != nil {
		return "", err
	}

	doc["server_name"] = n.serverName
	doc["backup_date"] = time.Now().UTC().Format(time.RFC3339)
	filename := fmt.Sprintf("network_%s_%s.json", name, time.Now().UTC().Format(archive.TimestampLayout))

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal network backup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(n.dir, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("write network backup: %w", err)
	}

	n.logger.Info().Str("network", name).Str("file", filename).Msg("network backed up")
	return filename, nil
}

// Restore recreates a network from a backup file. An existing network with
// the same name is reused, not recreated.
func (n *Networks) Restore(ctx context.Context, filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(n.dir, filepath.Base(filename)))
	if err != nil {
		return "", fmt.Errorf("read network backup: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse network backup: %w", err)
	}
	name, _ := doc["Name"].(string)
	if name == "" {
		return "", errors.New("network backup has no network name")
	}
	if isDefaultNetwork(name) {
		return "", ErrDefaultNetwork
	}

	exists, err := n.docker.NetworkExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		n.logger.Info().Str("network", name).Msg("network already exists, nothing to restore")
		return name, nil
	}

	opts := networkOptionsFromInspect(doc)
	if err := n.docker.CreateNetwork(ctx, name, opts); err != nil {
		if opts.Subnet == "" {
			return "", err
		}
		n.logger.Warn().Err(err).Str("network", name).Msg("subnet creation failed, retrying with daemon-assigned subnet")
		opts.Subnet = ""
		opts.Gateway = ""
		if err := n.docker.CreateNetwork(ctx, name, opts); err != nil {
			return "", err
		}
	}

	n.logger.Info().Str("network", name).Msg("network restored")
	return name, nil
}

// List returns the network backup files in the directory, newest first by
// name (the embedded timestamp sorts lexically).
func (n *Networks) List() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read network backups: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "network_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// networkOptionsFromInspect pulls the driver and first IPAM config out of a
// stored inspect document.
func networkOptionsFromInspect(doc map[string]any) docker.CreateNetworkOptions {
	opts := docker.CreateNetworkOptions{Driver: "bridge"}
	if doc == nil {
		return opts
	}

	if driver, ok := doc["Driver"].(string); ok && driver != "" {
		opts.Driver = driver
	}
	ipam, ok := doc["IPAM"].(map[string]any)
	if !ok {
		return opts
	}
	configs, ok := ipam["Config"].([]any)
	if !ok || len(configs) == 0 {
		return opts
	}
	first, ok := configs[0].(map[string]any)
	if !ok {
		return opts
	}
	if subnet, ok := first["Subnet"].(string); ok {
		opts.Subnet = subnet
	}
	if gateway, ok := first["Gateway"].(string); ok {
		opts.Gateway = gateway
	}
	return opts
}
