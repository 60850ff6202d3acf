package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Timeout budgets for CLI-driven operations. These are contract values,
// not suggestions.
const (
	ImageSaveTimeout    = 300 * time.Second
	ImageLoadTimeout    = 300 * time.Second
	HelperCreateTimeout = 30 * time.Second
	ExecTimeout         = 30 * time.Second
	VolumeTarTimeout    = 300 * time.Second
	VolumeExtractTimeout = 1200 * time.Second
)

// CLI runs the docker binary for the operations where a subprocess pipe is
// simpler than the HTTP API: image save/load and tar streams through
// ephemeral helpers.
type CLI struct {
	binary string
	logger zerolog.Logger
}

// NewCLI creates a CLI runner using the docker binary from PATH.
func NewCLI(logger zerolog.Logger) *CLI {
	return &CLI{binary: "docker", logger: logger}
}

// NewCLIWithBinary creates a CLI runner with a custom binary path.
func NewCLIWithBinary(binary string, logger zerolog.Logger) *CLI {
	return &CLI{binary: binary, logger: logger}
}

// run executes a docker command and returns its stdout.
func (c *CLI) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().Strs("args", args).Msg("executing docker command")

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(errMsg))
	}

	return stdout.Bytes(), nil
}

// runStreamOut executes a docker command streaming stdout into w.
func (c *CLI) runStreamOut(ctx context.Context, args []string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr

	c.logger.Debug().Strs("args", args).Msg("executing docker command (streaming out)")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// runStreamIn executes a docker command streaming r into stdin.
func (c *CLI) runStreamIn(ctx context.Context, args []string, r io.Reader) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stderr bytes.Buffer
	cmd.Stdin = r
	cmd.Stderr = &stderr

	c.logger.Debug().Strs("args", args).Msg("executing docker command (streaming in)")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ExportImage streams `docker save <ref>` to path. An empty output file
// means the export failed even if the subprocess exited zero.
func (c *Client) ExportImage(ctx context.Context, ref, path string) error {
	ctx, cancel := waitTimeout(ctx, ImageSaveTimeout)
	defer cancel()

	c.logger.Info().Str("image", ref).Str("path", path).Msg("exporting image")

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := c.cli.runStreamOut(ctx, []string{"save", ref}, out); err != nil {
		out.Close()
		os.Remove(path)
		return classify("export image", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync image file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close image file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat image file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return &Error{Kind: KindMalformed, Op: "export image", Err: fmt.Errorf("docker save produced an empty file for %s", ref)}
	}

	c.logger.Info().Str("image", ref).Int64("size_bytes", info.Size()).Msg("image exported")
	return nil
}

// LoadImage loads an image tarball into the daemon. An "already exists"
// response is success, not failure.
func (c *Client) LoadImage(ctx context.Context, path string) error {
	ctx, cancel := waitTimeout(ctx, ImageLoadTimeout)
	defer cancel()

	c.logger.Info().Str("path", path).Msg("loading image")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	if err := c.cli.runStreamIn(ctx, []string{"load"}, f); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return classify("load image", err)
	}
	return nil
}

// CreateFromArgs invokes `docker create` with the reconstructed argument
// list and returns the new container id.
func (c *Client) CreateFromArgs(ctx context.Context, args []string) (string, error) {
	out, err := c.cli.run(ctx, append([]string{"create"}, args...))
	if err != nil {
		return "", classify("create container", err)
	}
	return strings.TrimSpace(string(out)), nil
}
