// Package storage manages archive bodies: the local backups directory plus
// an optional S3-compatible remote.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/models"
)

// ErrArchiveNotFound is returned when an archive exists neither locally nor
// on the configured remote.
var ErrArchiveNotFound = errors.New("archive not found")

// TempMaxAge is how long pulled remote bodies may linger in the temp
// directory before the sweep removes them.
const TempMaxAge = 24 * time.Hour

// Local manages the on-disk backups directory.
type Local struct {
	dir     string
	tempDir string
	logger  zerolog.Logger
}

// NewLocal creates a Local store over the given directories.
func NewLocal(dir, tempDir string, logger zerolog.Logger) *Local {
	return &Local{
		dir:     dir,
		tempDir: tempDir,
		logger:  logger.With().Str("component", "storage").Logger(),
	}
}

// Dir returns the backups directory path.
func (l *Local) Dir() string {
	return l.dir
}

// Path returns the full path for an archive filename. The filename is
// flattened to its base to keep callers inside the backups directory.
func (l *Local) Path(filename string) string {
	return filepath.Join(l.dir, filepath.Base(filename))
}

// Exists reports whether the archive body is present locally. Readers must
// tolerate files that do not yet exist.
func (l *Local) Exists(filename string) bool {
	_, err := os.Stat(l.Path(filename))
	return err == nil
}

// List returns local archive listings, newest first.
func (l *Local) List() ([]models.BackupListing, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups directory: %w", err)
	}

	var listings []models.BackupListing
	bodies := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		bodies[name] = true

		info, err := entry.Info()
		if err != nil {
			continue
		}

		listing := models.BackupListing{
			Filename:  name,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC().Format(time.RFC3339),
			Scheduled: archive.IsScheduled(name),
			Location:  "local",
		}
		if sidecar, err := archive.ReadSidecar(l.Path(name)); err == nil {
			listing.ServerName = sidecar.ServerName
		}
		listings = append(listings, listing)
	}

	// Offloaded archives leave only their sidecar behind; list those too so
	// enumerating never needs a remote round-trip.
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".tar.gz.json") {
			continue
		}
		archiveName := strings.TrimSuffix(name, ".json")
		if bodies[archiveName] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		listing := models.BackupListing{
			Filename:  archiveName,
			ModTime:   info.ModTime().UTC().Format(time.RFC3339),
			Scheduled: archive.IsScheduled(archiveName),
			Location:  "remote",
		}
		if sidecar, err := archive.ReadSidecar(l.Path(archiveName)); err == nil {
			listing.ServerName = sidecar.ServerName
		}
		listings = append(listings, listing)
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].ModTime > listings[j].ModTime
	})
	return listings, nil
}

// Delete removes an archive body and its sidecar. The sidecar goes first so
// an offloaded archive (body remote, sidecar local) leaves no orphan behind.
func (l *Local) Delete(filename string) error {
	path := l.Path(filename)
	if err := os.Remove(archive.SidecarPath(path)); err != nil && !os.IsNotExist(err) {
		l.logger.Warn().Err(err).Str("file", filename).Msg("failed to delete sidecar")
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrArchiveNotFound
		}
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

// TempPath returns a path in the temp directory, outside the served
// backups directory, for pulled remote bodies.
func (l *Local) TempPath(filename string) string {
	return filepath.Join(l.tempDir, filepath.Base(filename))
}

// SweepTemp removes temp files older than TempMaxAge and returns how many
// were deleted.
func (l *Local) SweepTemp() int {
	entries, err := os.ReadDir(l.tempDir)
	if err != nil {
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-TempMaxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.tempDir, entry.Name())); err != nil {
			l.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to sweep temp file")
			continue
		}
		removed++
	}

	if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("swept aged temp files")
	}
	return removed
}
