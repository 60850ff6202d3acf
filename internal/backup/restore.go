package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/docker"
	"github.com/stevedore-app/stevedore/internal/metrics"
	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/runspec"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// minImagePayload is the smallest image.tar considered a real payload.
// Placeholder and error notes are smaller.
const minImagePayload = 100

// VolumeConflictError reports volumes declared in the archive that already
// exist on the host when the caller did not say whether to overwrite.
type VolumeConflictError struct {
	Volumes []string
}

func (e *VolumeConflictError) Error() string {
	return "volumes already exist: " + strings.Join(e.Volumes, ", ")
}

// RestoreRequest describes a restore invocation.
type RestoreRequest struct {
	Filename         string
	NewName          string
	OverwriteVolumes *bool // nil means unspecified
	PortOverrides    map[string]string
	User             string
}

// RestoreResult is what a successful restore returns.
type RestoreResult struct {
	ContainerID string   `json:"container_id"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Restorer rebuilds a container from an archive. It is synchronous: the
// caller gets a container id or a classified error, never a progress record.
type Restorer struct {
	docker  *docker.Client
	store   AuditStore
	storage *storage.Manager
	metrics *metrics.Metrics
	tempDir string
	logger  zerolog.Logger
}

// NewRestorer creates a restore engine.
func NewRestorer(dockerClient *docker.Client, store AuditStore, manager *storage.Manager, m *metrics.Metrics, tempDir string, logger zerolog.Logger) *Restorer {
	return &Restorer{
		docker:  dockerClient,
		store:   store,
		storage: manager,
		metrics: m,
		tempDir: tempDir,
		logger:  logger.With().Str("component", "restore").Logger(),
	}
}

// Restore executes the restore algorithm against an archive.
func (r *Restorer) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	result, err := r.restore(ctx, req)
	if err != nil {
		r.metrics.RestoresTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	r.metrics.RestoresTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (r *Restorer) restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	path, err := r.storage.Fetch(ctx, req.Filename)
	if err != nil {
		return nil, err
	}

	// Step 1: the inspect document is the restore's source of truth.
	configData, err := archive.ReadMember(path, archive.ConfigFile)
	if err != nil {
		return nil, err
	}
	var info container.InspectResponse
	if err := json.Unmarshal(configData, &info); err != nil {
		return nil, fmt.Errorf("%w: parse container config: %v", archive.ErrMalformed, err)
	}
	if info.ContainerJSONBase == nil {
		return nil, fmt.Errorf("%w: container config missing base document", archive.ErrMalformed)
	}

	logger := r.logger.With().Str("file", req.Filename).Logger()
	var warnings []string

	// Step 2: stack membership is informational. The container restores
	// fine standalone, but compose/swarm tooling will not know about it.
	var labels map[string]string
	if info.Config != nil {
		labels = info.Config.Labels
	}
	if stack := runspec.StackName(labels); stack != "" {
		if exists, err := r.stackExists(ctx, stack); err == nil && !exists {
			msg := fmt.Sprintf("container belonged to stack %q, which does not exist on this host", stack)
			logger.Warn().Str("stack", stack).Msg("restoring container from an absent stack")
			warnings = append(warnings, msg)
		}
	}

	volumes, err := archive.ReadVolumesInfo(path)
	if err != nil {
		return nil, err
	}

	// Step 3: with overwrite unspecified, any pre-existing volume turns
	// into a structured conflict for the caller to resolve.
	if req.OverwriteVolumes == nil {
		conflicts, err := r.existingVolumes(ctx, volumes)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, &VolumeConflictError{Volumes: conflicts}
		}
	}

	// Step 4: re-derive the run spec from the inspect document, never from
	// the stored text.
	args := runspec.BuildCreateArgs(&info, req.PortOverrides)
	if req.NewName != "" {
		args = runspec.ReplaceName(args, req.NewName)
	}

	// Step 5: volume data.
	overwrite := req.OverwriteVolumes != nil && *req.OverwriteVolumes
	if err := r.restoreVolumes(ctx, path, volumes, overwrite, logger); err != nil {
		return nil, err
	}

	// Step 6: image payload.
	if err := r.loadImage(ctx, path, logger); err != nil {
		return nil, err
	}

	// Step 7: networks.
	if err := r.ensureNetworks(ctx, &info, logger); err != nil {
		return nil, err
	}

	// Step 8: normalise. docker create implies no -d; --ip is meaningless
	// on the default bridge.
	args = runspec.StripDetach(args)
	if netName := runspec.NetworkOf(args); netName == "" {
		args = runspec.StripStaticIP(args)
	}

	// Step 9: create, reusing an existing container on name collision.
	id, err := r.createContainer(ctx, args)
	if err != nil {
		return nil, err
	}

	// Step 10: audit with the short id.
	log := models.NewAuditLog(models.AuditActionRestore, "container", models.AuditResultSuccess).
		WithResource(docker.ShortID(id)).
		WithDetails(req.Filename)
	if req.User != "" {
		log = log.WithUser(req.User)
	}
	if err := r.store.CreateAuditLog(ctx, log); err != nil {
		logger.Warn().Err(err).Msg("failed to write audit log")
	}

	logger.Info().Str("container_id", docker.ShortID(id)).Msg("restore complete")
	return &RestoreResult{ContainerID: id, Warnings: warnings}, nil
}

// stackExists reports whether any container on the host carries the stack
// label.
func (r *Restorer) stackExists(ctx context.Context, stack string) (bool, error) {
	list, err := r.docker.ListContainers(ctx, true)
	if err != nil {
		return false, err
	}
	for _, item := range list {
		if runspec.StackName(item.Labels) == stack {
			return true, nil
		}
	}
	return false, nil
}

func (r *Restorer) existingVolumes(ctx context.Context, volumes []models.VolumeInfo) ([]string, error) {
	var conflicts []string
	for _, vi := range volumes {
		if vi.Type != "volume" || vi.Name == "" {
			continue
		}
		exists, err := r.docker.VolumeExists(ctx, vi.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			conflicts = append(conflicts, vi.Name)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// restoreVolumes ensures each named volume exists and pipes its stored
// tarball through a helper. With overwrite false, volumes that already
// exist keep their current data.
func (r *Restorer) restoreVolumes(ctx context.Context, path string, volumes []models.VolumeInfo, overwrite bool, logger zerolog.Logger) error {
	for _, vi := range volumes {
		if vi.Type != "volume" || vi.Name == "" {
			continue
		}

		exists, err := r.docker.VolumeExists(ctx, vi.Name)
		if err != nil {
			return err
		}
		if exists && !overwrite {
			logger.Info().Str("volume", vi.Name).Msg("volume exists, keeping current data")
			continue
		}

		if err := r.docker.CreateVolume(ctx, vi.Name); err != nil {
			logger.Warn().Err(err).Str("volume", vi.Name).Msg("volume creation failed, skipping data restore")
			continue
		}

		member := archive.VolumesDir + "/" + vi.Name + "_data.tar.gz"
		ok, err := archive.HasMember(path, member)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn().Str("volume", vi.Name).Msg("no data snapshot in archive, volume left empty")
			continue
		}

		tmp, err := r.extractToTemp(path, member)
		if err != nil {
			return err
		}
		err = r.docker.RestoreVolumeData(ctx, vi.Name, tmp)
		os.Remove(tmp)
		if err != nil {
			return fmt.Errorf("restore volume %s: %w", vi.Name, err)
		}
	}
	return nil
}

func (r *Restorer) loadImage(ctx context.Context, path string, logger zerolog.Logger) error {
	ok, err := archive.HasMember(path, archive.ImageFile)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	size, err := archive.MemberSize(path, archive.ImageFile)
	if err != nil {
		return err
	}
	if size <= minImagePayload {
		logger.Info().Int64("size_bytes", size).Msg("image member is a placeholder, skipping load")
		return nil
	}

	tmp, err := r.extractToTemp(path, archive.ImageFile)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	return r.docker.LoadImage(ctx, tmp)
}

// ensureNetworks creates any missing user-defined networks the container
// was attached to. The subnet is derived from the endpoint's gateway and
// prefix length; if the daemon rejects it, creation is retried letting the
// daemon auto-assign.
func (r *Restorer) ensureNetworks(ctx context.Context, info *container.InspectResponse, logger zerolog.Logger) error {
	if info.NetworkSettings == nil {
		return nil
	}

	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if isDefaultNetwork(name) {
			continue
		}
		exists, err := r.docker.NetworkExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		endpoint := info.NetworkSettings.Networks[name]
		opts := docker.CreateNetworkOptions{Driver: "bridge"}
		if endpoint != nil && endpoint.Gateway != "" && endpoint.IPPrefixLen > 0 {
			opts.Subnet = deriveSubnet(endpoint.Gateway, endpoint.IPPrefixLen)
			opts.Gateway = endpoint.Gateway
		}

		logger.Info().Str("network", name).Str("subnet", opts.Subnet).Msg("creating missing network")
		if err := r.docker.CreateNetwork(ctx, name, opts); err != nil {
			if opts.Subnet == "" {
				return fmt.Errorf("create network %s: %w", name, err)
			}
			logger.Warn().Err(err).Str("network", name).Msg("subnet creation failed, retrying with daemon-assigned subnet")
			if err := r.docker.CreateNetwork(ctx, name, docker.CreateNetworkOptions{Driver: "bridge"}); err != nil {
				return fmt.Errorf("create network %s: %w", name, err)
			}
		}
	}
	return nil
}

func (r *Restorer) createContainer(ctx context.Context, args []string) (string, error) {
	id, err := r.docker.CreateFromArgs(ctx, args)
	if err == nil {
		return id, nil
	}

	// Idempotent restore: an existing container with the target name is
	// reused rather than treated as a failure.
	if docker.IsKind(err, docker.KindConflict) || strings.Contains(err.Error(), "already in use") {
		name := nameOf(args)
		if name != "" {
			existing, findErr := r.docker.FindContainerByName(ctx, name)
			if findErr == nil {
				r.logger.Info().Str("container", name).Msg("container name taken, reusing existing container")
				return existing.ID, nil
			}
		}
	}
	return "", err
}

func (r *Restorer) extractToTemp(path, member string) (string, error) {
	tmp, err := os.CreateTemp(r.tempDir, "restore-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp.Close()

	if err := archive.ExtractMember(path, member, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// nameOf returns the value of the --name flag.
func nameOf(args []string) string {
	for i, arg := range args {
		if arg == "--name" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// deriveSubnet computes the CIDR network address from a gateway ip and a
// prefix length by zeroing the host bits.
func deriveSubnet(gateway string, prefixLen int) string {
	ip := net.ParseIP(gateway)
	if ip == nil {
		return ""
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	} else {
		ip = ip.To4()
	}
	if prefixLen <= 0 || prefixLen > bits {
		return ""
	}

	network := ip.Mask(net.CIDRMask(prefixLen, bits))
	return fmt.Sprintf("%s/%d", network.String(), prefixLen)
}
