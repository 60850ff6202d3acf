package storage

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/models"
)

// BundleTimeout bounds assembly of the download-all bundle.
const BundleTimeout = 30 * time.Minute

// Manager fronts the local backups directory and, when configured, an
// S3-compatible remote. Writes go remote-first: once an archive is safely
// uploaded the local body is deleted and only the sidecar remains for fast
// listings. Reads prefer the local copy and fall back to pulling the remote
// body into the temp directory.
type Manager struct {
	local  *Local
	logger zerolog.Logger

	mu     sync.RWMutex
	remote *S3Remote
}

// NewManager creates a Manager with no remote configured.
func NewManager(local *Local, logger zerolog.Logger) *Manager {
	return &Manager{
		local:  local,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// Local exposes the underlying local store.
func (m *Manager) Local() *Local {
	return m.local
}

// SetRemote swaps the remote store. A nil remote reverts to local-only mode.
func (m *Manager) SetRemote(remote *S3Remote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = remote
}

// Remote returns the configured remote, or nil in local-only mode.
func (m *Manager) Remote() *S3Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote
}

// Finalize moves a freshly sealed archive into its durable home. With a
// remote configured the body and sidecar are uploaded and the local body is
// removed; upload failure keeps the local copy, so a backup never ends up
// nowhere.
func (m *Manager) Finalize(ctx context.Context, filename string) error {
	remote := m.Remote()
	if remote == nil {
		return nil
	}

	localPath := m.local.Path(filename)
	if err := remote.Put(ctx, localPath, filename); err != nil {
		m.logger.Warn().Err(err).Str("file", filename).
			Msg("remote upload failed, keeping local copy")
		return fmt.Errorf("upload archive: %w", err)
	}
	if err := remote.PutSidecar(ctx, localPath, filename); err != nil {
		m.logger.Warn().Err(err).Str("file", filename).Msg("sidecar upload failed")
	}

	if err := os.Remove(localPath); err != nil {
		m.logger.Warn().Err(err).Str("file", filename).
			Msg("failed to remove local body after upload")
	}
	return nil
}

// Fetch returns a readable local path for the archive. Local copies are
// served from the backups directory; remote-only archives are pulled into
// the temp directory, outside the served tree.
func (m *Manager) Fetch(ctx context.Context, filename string) (string, error) {
	if m.local.Exists(filename) {
		return m.local.Path(filename), nil
	}

	remote := m.Remote()
	if remote == nil {
		return "", ErrArchiveNotFound
	}

	tempPath := m.local.TempPath(filename)
	if _, err := os.Stat(tempPath); err == nil {
		return tempPath, nil
	}

	m.logger.Info().Str("file", filename).Msg("pulling archive body from remote")
	if err := remote.Get(ctx, filename, tempPath); err != nil {
		return "", err
	}
	return tempPath, nil
}

// List merges local and remote listings. When an archive appears in both
// (sidecar locally, body remote) the local entry wins.
func (m *Manager) List(ctx context.Context) ([]models.BackupListing, error) {
	listings, err := m.local.List()
	if err != nil {
		return nil, err
	}

	remote := m.Remote()
	if remote == nil {
		return listings, nil
	}

	index := make(map[string]int, len(listings))
	for i, listing := range listings {
		index[listing.Filename] = i
	}

	remoteListings, err := remote.List(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("remote listing failed, serving local only")
		return listings, nil
	}
	for _, listing := range remoteListings {
		i, ok := index[listing.Filename]
		if !ok {
			listings = append(listings, listing)
			continue
		}
		// A sidecar-only stub is superseded by the remote entry, which
		// carries the body size.
		if listings[i].Location == "remote" {
			listings[i] = listing
		}
	}
	return listings, nil
}

// Delete removes the archive everywhere it exists. It succeeds when at least
// one copy was removed.
func (m *Manager) Delete(ctx context.Context, filename string) error {
	localErr := m.local.Delete(filename)
	if localErr != nil && localErr != ErrArchiveNotFound {
		return localErr
	}
	// Temp pull, if any, goes too.
	os.Remove(m.local.TempPath(filename))

	remote := m.Remote()
	if remote == nil {
		return localErr
	}

	exists, err := remote.Exists(ctx, filename)
	if err != nil {
		return err
	}
	if !exists {
		return localErr
	}
	if err := remote.Delete(ctx, filename); err != nil {
		return err
	}
	return nil
}

// BundleAll assembles every known archive into a single plain tar in the
// temp directory, pulling remote-only bodies as needed. Bodies already carry
// gzip compression so the bundle is not recompressed. The caller removes the
// returned file when finished; leftovers are caught by the temp sweep.
func (m *Manager) BundleAll(ctx context.Context) (string, error) {
	listings, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(listings) == 0 {
		return "", ErrArchiveNotFound
	}

	bundlePath := m.local.TempPath("all_backups_" + time.Now().UTC().Format(archive.TimestampLayout) + ".tar")
	out, err := os.Create(bundlePath)
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	tw := tar.NewWriter(out)

	fail := func(err error) (string, error) {
		tw.Close()
		out.Close()
		os.Remove(bundlePath)
		return "", err
	}

	for _, listing := range listings {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		path, err := m.Fetch(ctx, listing.Filename)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", listing.Filename).
				Msg("skipping archive with unreachable body")
			continue
		}
		if err := addToBundle(tw, path, listing.Filename); err != nil {
			return fail(fmt.Errorf("bundle %s: %w", listing.Filename, err))
		}
	}

	if err := tw.Close(); err != nil {
		out.Close()
		os.Remove(bundlePath)
		return "", fmt.Errorf("seal bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(bundlePath)
		return "", fmt.Errorf("close bundle: %w", err)
	}
	return bundlePath, nil
}

func addToBundle(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Metadata reads backup_metadata.json, fetching the body if needed.
func (m *Manager) Metadata(ctx context.Context, filename string) (*models.BackupMetadata, error) {
	path, err := m.Fetch(ctx, filename)
	if err != nil {
		return nil, err
	}
	return archive.ReadMetadata(path)
}
