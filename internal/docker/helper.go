package docker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/google/uuid"
)

// HelperImage is the image used for ephemeral volume helpers.
const HelperImage = "busybox"

// helperName builds a unique helper container name. The random suffix keeps
// concurrent operations on the same volume from colliding.
func helperName(prefix, volumeName string) string {
	return prefix + volumeName + "-" + uuid.NewString()[:8]
}

// startHelper runs a disposable helper container with the volume mounted at
// mountPath. The helper sleeps so exec sessions can stream through it;
// --rm makes the daemon clean it up once stopped.
func (c *Client) startHelper(ctx context.Context, name, volumeName, mountPath string) error {
	ctx, cancel := waitTimeout(ctx, HelperCreateTimeout)
	defer cancel()

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"-v", volumeName + ":" + mountPath,
		HelperImage, "sleep", "3600",
	}
	if _, err := c.cli.run(ctx, args); err != nil {
		return classify("start helper", err)
	}
	return nil
}

// teardownHelper stops the helper and force-removes it as a fallback.
// Safe to call on every exit path; a helper that already auto-removed
// produces only ignorable not-found errors.
func (c *Client) teardownHelper(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), HelperCreateTimeout)
	defer cancel()

	if _, err := c.cli.run(ctx, []string{"stop", "-t", "5", name}); err != nil {
		c.logger.Debug().Err(err).Str("helper", name).Msg("helper stop failed")
	}
	if _, err := c.cli.run(ctx, []string{"rm", "-f", name}); err != nil {
		c.logger.Debug().Err(err).Str("helper", name).Msg("helper remove failed")
	}
}

// BackupVolumeData streams the contents of a named volume to a gzip tar at
// outputPath. The tar root is "." so restores extract directly into the
// target mount.
func (c *Client) BackupVolumeData(ctx context.Context, volumeName, outputPath string) error {
	helper := helperName(BackupHelperPrefix, volumeName)

	c.logger.Info().Str("volume", volumeName).Str("helper", helper).Msg("backing up volume data")

	if err := c.startHelper(ctx, helper, volumeName, "/backup-volume"); err != nil {
		c.teardownHelper(helper)
		return err
	}
	defer c.teardownHelper(helper)

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create volume archive: %w", err)
	}

	streamCtx, cancel := waitTimeout(ctx, VolumeTarTimeout)
	defer cancel()

	err = c.cli.runStreamOut(streamCtx, []string{"exec", helper, "tar", "czf", "-", "-C", "/backup-volume", "."}, out)
	if err != nil {
		out.Close()
		os.Remove(outputPath)
		return classify("backup volume data", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync volume archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close volume archive: %w", err)
	}

	c.logger.Info().Str("volume", volumeName).Msg("volume data backed up")
	return nil
}

// RestoreVolumeData pipes the gzip tar at inputPath into a named volume.
// After extraction the volume contents are listed through the same helper
// as a verification pass.
func (c *Client) RestoreVolumeData(ctx context.Context, volumeName, inputPath string) error {
	helper := helperName(RestoreHelperPrefix, volumeName)

	c.logger.Info().Str("volume", volumeName).Str("helper", helper).Msg("restoring volume data")

	if err := c.startHelper(ctx, helper, volumeName, "/restore-volume"); err != nil {
		c.teardownHelper(helper)
		return err
	}
	defer c.teardownHelper(helper)

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open volume archive: %w", err)
	}
	defer in.Close()

	streamCtx, cancel := waitTimeout(ctx, VolumeExtractTimeout)
	defer cancel()

	err = c.cli.runStreamIn(streamCtx, []string{"exec", "-i", helper, "tar", "xzf", "-", "-C", "/restore-volume"}, in)
	if err != nil {
		return classify("restore volume data", err)
	}

	listCtx, cancel := waitTimeout(ctx, ExecTimeout)
	defer cancel()

	out, err := c.cli.run(listCtx, []string{"exec", helper, "ls", "-A", "/restore-volume"})
	if err != nil {
		return classify("verify restored volume", err)
	}

	entries := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			entries++
		}
	}
	c.logger.Info().Str("volume", volumeName).Int("entries", entries).Msg("volume data restored")
	return nil
}

// SweepOrphanedHelpers removes helper containers leaked by prior crashes.
// Called at startup and periodically by the maintenance sweep.
func (c *Client) SweepOrphanedHelpers(ctx context.Context) int {
	removed := 0
	for _, prefix := range []string{BackupHelperPrefix, RestoreHelperPrefix} {
		list, err := c.api.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("name", prefix)),
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to list helper containers")
			continue
		}

		for _, item := range list {
			if !isHelperContainer(item.Names) {
				continue
			}
			if err := c.RemoveContainer(ctx, item.ID); err != nil {
				c.logger.Warn().Err(err).Str("container_id", ShortID(item.ID)).Msg("failed to remove orphaned helper")
				continue
			}
			c.logger.Info().Str("container_id", ShortID(item.ID)).Strs("names", item.Names).Msg("removed orphaned helper")
			removed++
		}
	}
	return removed
}
