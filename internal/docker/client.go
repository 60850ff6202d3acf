// Package docker wraps the Docker daemon for container, image, volume and
// network operations. Control-plane calls go over the daemon's Unix socket
// via the API; the two streaming paths (image save, volume tar pipes) shell
// out to the docker binary where that is materially simpler.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// Helper container name prefixes. The container listing filters these out
// and the startup sweep removes any that leaked from a prior crash.
const (
	BackupHelperPrefix  = "backup-temp-"
	RestoreHelperPrefix = "restore-temp-"
)

// Client talks to the Docker daemon over its Unix socket.
type Client struct {
	api    *client.Client
	cli    *CLI
	socket string
	logger zerolog.Logger
}

// New creates a Client bound explicitly to the given Unix socket. The
// ambient environment (DOCKER_HOST and friends) is deliberately ignored:
// stray variables with unsupported schemes must not break the service.
func New(socketPath string, logger zerolog.Logger) (*Client, error) {
	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	componentLogger := logger.With().Str("component", "docker").Logger()

	return &Client{
		api:    api,
		cli:    NewCLI(componentLogger),
		socket: socketPath,
		logger: componentLogger,
	}, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks daemon connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// ListContainers returns containers, filtering out ephemeral helpers.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]container.Summary, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, classify("list containers", err)
	}

	filtered := list[:0]
	for _, item := range list {
		if isHelperContainer(item.Names) {
			continue
		}
		filtered = append(filtered, item)
	}

	c.logger.Debug().Int("count", len(filtered)).Msg("containers listed")
	return filtered, nil
}

// InspectContainer returns the parsed inspect document for a container.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return container.InspectResponse{}, classify("inspect container", err)
	}
	return info, nil
}

// InspectContainerRaw returns both the parsed inspect document and the
// verbatim JSON bytes as the daemon returned them. The raw form is what the
// archive preserves bit-for-bit.
func (c *Client) InspectContainerRaw(ctx context.Context, id string) (container.InspectResponse, []byte, error) {
	info, raw, err := c.api.ContainerInspectWithRaw(ctx, id, false)
	if err != nil {
		return container.InspectResponse{}, nil, classify("inspect container", err)
	}
	return info, raw, nil
}

// FindContainerByName returns the container whose name matches exactly, or
// a KindNotFound error.
func (c *Client) FindContainerByName(ctx context.Context, name string) (*container.Summary, error) {
	name = strings.TrimPrefix(name, "/")
	list, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, classify("find container", err)
	}

	// The name filter is a substring match; require an exact hit.
	for i, item := range list {
		for _, n := range item.Names {
			if strings.TrimPrefix(n, "/") == name {
				return &list[i], nil
			}
		}
	}

	return nil, &Error{Kind: KindNotFound, Op: "find container", Err: fmt.Errorf("no container named %q", name)}
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("start container", err)
	}
	return nil
}

// StopContainer stops a container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return classify("stop container", err)
	}
	return nil
}

// KillContainer sends SIGKILL to a running container.
func (c *Client) KillContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerKill(ctx, id, "KILL"); err != nil {
		return classify("kill container", err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return classify("remove container", err)
	}
	return nil
}

// ListImages returns all images.
func (c *Client) ListImages(ctx context.Context) ([]image.Summary, error) {
	list, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify("list images", err)
	}
	return list, nil
}

// RemoveImage removes an image by reference.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if _, err := c.api.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil {
		return classify("remove image", err)
	}
	return nil
}

// ListVolumes returns all volumes.
func (c *Client) ListVolumes(ctx context.Context) ([]*volume.Volume, error) {
	resp, err := c.api.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, classify("list volumes", err)
	}
	return resp.Volumes, nil
}

// InspectVolume returns details for a named volume.
func (c *Client) InspectVolume(ctx context.Context, name string) (volume.Volume, error) {
	vol, err := c.api.VolumeInspect(ctx, name)
	if err != nil {
		return volume.Volume{}, classify("inspect volume", err)
	}
	return vol, nil
}

// CreateVolume ensures a named volume exists. Pre-existing volumes are not
// an error: volume creation is idempotent by name.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.api.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		classified := classify("create volume", err)
		if IsKind(classified, KindConflict) {
			return nil
		}
		return classified
	}
	return nil
}

// VolumeExists reports whether a named volume exists on the host.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.InspectVolume(ctx, name)
	if err == nil {
		return true, nil
	}
	if IsKind(err, KindNotFound) {
		return false, nil
	}
	return false, err
}

// RemoveVolume removes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.api.VolumeRemove(ctx, name, false); err != nil {
		return classify("remove volume", err)
	}
	return nil
}

// ListNetworks returns all networks.
func (c *Client) ListNetworks(ctx context.Context) ([]network.Summary, error) {
	list, err := c.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, classify("list networks", err)
	}
	return list, nil
}

// InspectNetwork returns the inspect document for a network.
func (c *Client) InspectNetwork(ctx context.Context, name string) (network.Inspect, error) {
	info, err := c.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return network.Inspect{}, classify("inspect network", err)
	}
	return info, nil
}

// InspectNetworkRaw returns the verbatim inspect JSON for a network.
func (c *Client) InspectNetworkRaw(ctx context.Context, name string) (map[string]any, error) {
	info, err := c.InspectNetwork(ctx, name)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "inspect network", Err: err}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "inspect network", Err: err}
	}
	return doc, nil
}

// CreateNetworkOptions configures network creation.
type CreateNetworkOptions struct {
	Driver  string
	Subnet  string
	Gateway string
	Labels  map[string]string
}

// CreateNetwork creates a user-defined network.
func (c *Client) CreateNetwork(ctx context.Context, name string, opts CreateNetworkOptions) error {
	create := network.CreateOptions{
		Driver: opts.Driver,
		Labels: opts.Labels,
	}
	if opts.Subnet != "" {
		create.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: opts.Subnet, Gateway: opts.Gateway}},
		}
	}

	if _, err := c.api.NetworkCreate(ctx, name, create); err != nil {
		return classify("create network", err)
	}
	return nil
}

// RemoveNetwork removes a user-defined network.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.api.NetworkRemove(ctx, name); err != nil {
		return classify("remove network", err)
	}
	return nil
}

// NetworkExists reports whether a network exists on the host.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.InspectNetwork(ctx, name)
	if err == nil {
		return true, nil
	}
	if IsKind(err, KindNotFound) {
		return false, nil
	}
	return false, err
}

// DiskUsage returns daemon disk usage (docker system df).
func (c *Client) DiskUsage(ctx context.Context) (types.DiskUsage, error) {
	du, err := c.api.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		return types.DiskUsage{}, classify("disk usage", err)
	}
	return du, nil
}

// Events collects daemon events until limit is reached, the daemon closes
// the stream, or the context expires. A timeout is not an error: whatever
// was parsed so far is returned.
func (c *Client) Events(ctx context.Context, since, until string, filterArgs map[string]string, limit int) ([]events.Message, error) {
	args := filters.NewArgs()
	for k, v := range filterArgs {
		args.Add(k, v)
	}

	msgCh, errCh := c.api.Events(ctx, events.ListOptions{
		Since:   since,
		Until:   until,
		Filters: args,
	})

	var collected []events.Message
	for {
		select {
		case msg := <-msgCh:
			collected = append(collected, msg)
			if limit > 0 && len(collected) >= limit {
				return collected, nil
			}
		case err := <-errCh:
			if err == nil {
				return collected, nil
			}
			classified := classify("events", err)
			if IsKind(classified, KindTimeout) || strings.Contains(err.Error(), "EOF") {
				return collected, nil
			}
			return collected, classified
		case <-ctx.Done():
			return collected, nil
		}
	}
}

// ShortID returns the familiar 12-character form of a container id.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// isHelperContainer reports whether any of the names carries a helper prefix.
func isHelperContainer(names []string) bool {
	for _, name := range names {
		trimmed := strings.TrimPrefix(name, "/")
		if strings.HasPrefix(trimmed, BackupHelperPrefix) || strings.HasPrefix(trimmed, RestoreHelperPrefix) {
			return true
		}
	}
	return false
}

// waitTimeout is a small helper for bounded waits on daemon operations.
func waitTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
