package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/docker"
	"github.com/stevedore-app/stevedore/internal/metrics"
	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/runspec"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// SealTimeout bounds the seal-and-verify step.
const SealTimeout = 600 * time.Second

// ErrSelfBackup is returned when the target is the service's own container.
// Backing up ourselves would tear down the runtime mid-backup.
var ErrSelfBackup = errors.New("refusing to back up the service's own container")

// AuditStore persists audit rows.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Engine executes a single backup through its six observable steps.
type Engine struct {
	docker     *docker.Client
	store      AuditStore
	storage    *storage.Manager
	registry   *Registry
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	serverName string
	tempDir    string

	selfID     string
	ownVolumes map[string]bool
}

// NewEngine creates a backup engine.
func NewEngine(dockerClient *docker.Client, store AuditStore, manager *storage.Manager, registry *Registry, m *metrics.Metrics, serverName, tempDir string, logger zerolog.Logger) *Engine {
	return &Engine{
		docker:     dockerClient,
		store:      store,
		storage:    manager,
		registry:   registry,
		metrics:    m,
		logger:     logger.With().Str("component", "backup").Logger(),
		serverName: serverName,
		tempDir:    tempDir,
		ownVolumes: make(map[string]bool),
	}
}

// SetSelf records the service's own container id and data volumes so the
// engine can refuse self-backup and exclude its own volume from snapshots.
func (e *Engine) SetSelf(containerID string, volumes []string) {
	e.selfID = containerID
	for _, v := range volumes {
		if v != "" {
			e.ownVolumes[v] = true
		}
	}
}

// Run executes the six backup steps for one container. The caller owns the
// supervisor slot; Run only mutates the progress record and never releases
// the slot itself.
func (e *Engine) Run(ctx context.Context, progressID, containerID string, scheduled bool) error {
	backupType := "manual"
	if scheduled {
		backupType = "scheduled"
	}

	filename, err := e.run(ctx, progressID, containerID, scheduled)
	if err != nil {
		e.registry.Fail(progressID, err)
		e.metrics.BackupsTotal.WithLabelValues(backupType, "error").Inc()
		e.audit(models.NewAuditLog(models.AuditActionBackupError, "container", models.AuditResultFailure).
			WithResource(docker.ShortID(containerID)).
			WithDetails(err.Error()))
		return err
	}

	e.registry.Complete(progressID, filename)
	e.metrics.BackupsTotal.WithLabelValues(backupType, "success").Inc()
	e.audit(models.NewAuditLog(models.AuditActionBackupComplete, "container", models.AuditResultSuccess).
		WithResource(docker.ShortID(containerID)).
		WithDetails(filename))
	return nil
}

func (e *Engine) run(ctx context.Context, progressID, containerID string, scheduled bool) (string, error) {
	// Step 1: inspect, refuse self, allocate the timestamped filename.
	e.registry.Step(progressID, 1, "inspecting container")

	info, raw, err := e.docker.InspectContainerRaw(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if e.isSelf(info) {
		return "", ErrSelfBackup
	}

	name := strings.TrimPrefix(info.Name, "/")
	e.registry.SetContainerName(progressID, name)
	filename := archive.Filename(name, scheduled, time.Now().UTC())

	e.audit(models.NewAuditLog(models.AuditActionBackupStart, "container", models.AuditResultSuccess).
		WithResource(docker.ShortID(info.ID)).
		WithDetails(name))

	workDir, err := os.MkdirTemp(e.tempDir, "backup-*")
	if err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	logger := e.logger.With().Str("container", name).Str("file", filename).Logger()
	logger.Info().Bool("scheduled", scheduled).Msg("backup started")

	// Step 2: serialise the container config and its derived forms.
	e.registry.Step(progressID, 2, "serialising configuration")
	if err := e.writeConfigs(workDir, &info, raw); err != nil {
		return "", err
	}

	// Step 3: export the image. Failure is non-fatal; the archive records
	// the miss and restore falls back to pulling by reference.
	e.registry.Step(progressID, 3, "exporting image")
	imageRef := imageReference(&info)
	imageBackedUp := false
	if imageRef != "" {
		if err := e.docker.ExportImage(ctx, imageRef, filepath.Join(workDir, archive.ImageFile)); err != nil {
			logger.Warn().Err(err).Str("image", imageRef).Msg("image export failed, continuing without image")
			e.writePlaceholder(workDir, "image_backup_failed.txt", err)
		} else {
			imageBackedUp = true
		}
	}

	// Step 4: enumerate mounts.
	e.registry.Step(progressID, 4, "enumerating mounts")
	volumes := e.volumeInfo(&info)
	if len(volumes) > 0 {
		if err := writeJSON(filepath.Join(workDir, archive.VolumesInfoFile), volumes); err != nil {
			return "", err
		}
	}

	// Step 5: snapshot volume data. Per-volume failures leave placeholders
	// so a restore knows what is missing, but never abort the backup.
	e.registry.Step(progressID, 5, "snapshotting volumes")
	if err := e.snapshotVolumes(ctx, workDir, volumes, logger); err != nil {
		return "", err
	}

	status := "stopped"
	if info.State != nil && info.State.Running {
		status = "running"
	}
	meta := models.BackupMetadata{
		ContainerID:   info.ID,
		ContainerName: name,
		BackupDate:    time.Now().UTC().Format(time.RFC3339),
		BackupType:    models.BackupManual,
		Image:         imageRef,
		ImageBackedUp: imageBackedUp,
		Status:        status,
		ServerName:    e.serverName,
	}
	if scheduled {
		meta.BackupType = models.BackupScheduled
	}
	if err := writeJSON(filepath.Join(workDir, archive.MetadataFile), meta); err != nil {
		return "", err
	}

	// Step 6: seal and verify. Completion is advertised only after a fresh
	// reader has traversed every member.
	e.registry.Step(progressID, 6, "sealing archive")
	sealCtx, cancel := context.WithTimeout(ctx, SealTimeout)
	defer cancel()

	localPath := e.storage.Local().Path(filename)
	if err := sealAndVerify(sealCtx, localPath, workDir); err != nil {
		return "", err
	}

	if err := archive.WriteSidecar(localPath, e.serverName); err != nil {
		logger.Warn().Err(err).Msg("sidecar write failed")
	}
	if fi, err := os.Stat(localPath); err == nil {
		e.metrics.ArchiveBytes.Observe(float64(fi.Size()))
	}

	if err := e.storage.Finalize(ctx, filename); err != nil {
		// The local copy survives an upload failure, so the backup itself
		// still succeeded.
		logger.Warn().Err(err).Msg("remote finalize failed, archive kept local")
	}

	logger.Info().Msg("backup complete")
	return filename, nil
}

// sealAndVerify creates the outer archive then re-opens it with a fresh
// reader. The goroutine split keeps the seal bounded by its timeout even
// though archive creation itself is not context-aware.
func sealAndVerify(ctx context.Context, path, workDir string) error {
	done := make(chan error, 1)
	go func() {
		if err := archive.Create(path, workDir); err != nil {
			done <- err
			return
		}
		_, err := archive.Verify(path)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			os.Remove(path)
			return fmt.Errorf("seal archive: %w", err)
		}
		return nil
	case <-ctx.Done():
		os.Remove(path)
		os.Remove(path + ".partial")
		return fmt.Errorf("seal archive: %w", ctx.Err())
	}
}

func (e *Engine) isSelf(info container.InspectResponse) bool {
	if e.selfID == "" {
		return false
	}
	return strings.HasPrefix(info.ID, e.selfID) || strings.HasPrefix(e.selfID, info.ID)
}

// writeConfigs writes the raw inspect document plus the two derived,
// advisory forms.
func (e *Engine) writeConfigs(workDir string, info *container.InspectResponse, raw []byte) error {
	if err := os.WriteFile(filepath.Join(workDir, archive.ConfigFile), raw, 0o644); err != nil {
		return fmt.Errorf("write container config: %w", err)
	}

	runCmd := runspec.BuildRunCommand(info, nil)
	if err := os.WriteFile(filepath.Join(workDir, archive.RunCommandFile), []byte(runCmd+"\n"), 0o644); err != nil {
		return fmt.Errorf("write run command: %w", err)
	}

	compose, err := runspec.BuildCompose(info)
	if err != nil {
		return fmt.Errorf("render compose file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, archive.ComposeFileName), compose, 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	return nil
}

// volumeInfo merges Mounts (type, driver, resolved source) with
// HostConfig.Binds, whose textual destination is authoritative. The
// service's own volumes are excluded.
func (e *Engine) volumeInfo(info *container.InspectResponse) []models.VolumeInfo {
	bindDest := map[string]string{}
	if info.HostConfig != nil {
		for _, bind := range info.HostConfig.Binds {
			parts := strings.SplitN(bind, ":", 3)
			if len(parts) >= 2 {
				bindDest[parts[0]] = parts[1]
			}
		}
	}

	var volumes []models.VolumeInfo
	for _, m := range info.Mounts {
		if e.ownVolumes[m.Name] {
			continue
		}

		vi := models.VolumeInfo{
			Type:        string(m.Type),
			Name:        m.Name,
			Destination: m.Destination,
			Driver:      m.Driver,
		}
		if vi.Type == "bind" {
			vi.Source = m.Source
		}
		if dest, ok := bindDest[m.Name]; ok && dest != "" {
			vi.Destination = dest
		} else if dest, ok := bindDest[m.Source]; ok && dest != "" {
			vi.Destination = dest
		}
		volumes = append(volumes, vi)
	}

	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].Destination < volumes[j].Destination
	})
	return volumes
}

// snapshotVolumes writes one data tarball per mount under volumes/. Named
// volumes stream through an ephemeral helper; bind mounts with a readable
// host-side source are tarred directly; everything else leaves a
// placeholder so the restore side knows what is missing.
func (e *Engine) snapshotVolumes(ctx context.Context, workDir string, volumes []models.VolumeInfo, logger zerolog.Logger) error {
	if len(volumes) == 0 {
		return nil
	}

	volDir := filepath.Join(workDir, archive.VolumesDir)
	if err := os.MkdirAll(volDir, 0o755); err != nil {
		return fmt.Errorf("create volumes directory: %w", err)
	}

	for _, vi := range volumes {
		switch vi.Type {
		case "volume":
			out := filepath.Join(volDir, vi.Name+"_data.tar.gz")
			if err := e.docker.BackupVolumeData(ctx, vi.Name, out); err != nil {
				logger.Warn().Err(err).Str("volume", vi.Name).Msg("volume snapshot failed, writing placeholder")
				e.writePlaceholder(volDir, vi.Name+"_backup_failed.txt", err)
			}
		case "bind":
			if !readableDir(vi.Source) {
				logger.Warn().Str("source", vi.Source).Msg("bind source not readable, metadata-only record")
				continue
			}
			out := filepath.Join(volDir, bindArchiveName(vi.Destination))
			if err := tarDirectory(vi.Source, out); err != nil {
				logger.Warn().Err(err).Str("source", vi.Source).Msg("bind snapshot failed, writing placeholder")
				e.writePlaceholder(volDir, bindArchiveName(vi.Destination)+".failed.txt", err)
			}
		}
	}
	return nil
}

func (e *Engine) writePlaceholder(dir, name string, cause error) {
	content := fmt.Sprintf("backup step failed at %s: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		e.logger.Warn().Err(err).Str("file", name).Msg("failed to write placeholder")
	}
}

func (e *Engine) audit(log *models.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.CreateAuditLog(ctx, log); err != nil {
		e.logger.Warn().Err(err).Str("action", string(log.Action)).Msg("failed to write audit log")
	}
}

// imageReference resolves the image to export: the human tag from Config
// when present, else the top-level digest reference.
func imageReference(info *container.InspectResponse) string {
	if info.Config != nil && info.Config.Image != "" {
		return info.Config.Image
	}
	return info.Image
}

// bindArchiveName flattens a mount destination into a filename, matching
// how bind snapshots are located at restore time.
func bindArchiveName(destination string) string {
	flat := strings.Trim(strings.ReplaceAll(destination, "/", "_"), "_")
	if flat == "" {
		flat = "root"
	}
	return "bind_" + flat + "_data.tar.gz"
}

func readableDir(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
