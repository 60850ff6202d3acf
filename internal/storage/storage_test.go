package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-app/stevedore/internal/archive"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	return NewLocal(t.TempDir(), t.TempDir(), zerolog.Nop())
}

// writeArchive drops a minimal but valid archive into the local store.
func writeArchive(t *testing.T, l *Local, filename string) string {
	t.Helper()

	path := l.Path(filename)
	f, err := os.Create(path)
	require.NoError(t, err)

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for _, member := range []string{archive.MetadataFile, archive.ConfigFile} {
		content := []byte(`{"container_name":"web","server_name":"host1"}`)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "./" + member,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLocalListSortsNewestFirst(t *testing.T) {
	l := newTestLocal(t)

	oldPath := writeArchive(t, l, "old_20240101_020000.tar.gz")
	writeArchive(t, l, "scheduled_new_20240301_020000.tar.gz")

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	listings, err := l.List()
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, "scheduled_new_20240301_020000.tar.gz", listings[0].Filename)
	assert.True(t, listings[0].Scheduled)
	assert.Equal(t, "old_20240101_020000.tar.gz", listings[1].Filename)
	assert.False(t, listings[1].Scheduled)
	assert.Equal(t, "local", listings[0].Location)
}

func TestLocalListIncludesSidecarServerName(t *testing.T) {
	l := newTestLocal(t)

	path := writeArchive(t, l, "web_20240101_020000.tar.gz")
	require.NoError(t, archive.WriteSidecar(path, "host1"))

	listings, err := l.List()
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "host1", listings[0].ServerName)
}

func TestLocalListIncludesOffloadedSidecars(t *testing.T) {
	l := newTestLocal(t)

	// Body offloaded to the remote; only the sidecar remains.
	require.NoError(t, archive.WriteSidecar(l.Path("web_20240101_020000.tar.gz"), "host1"))

	listings, err := l.List()
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "web_20240101_020000.tar.gz", listings[0].Filename)
	assert.Equal(t, "remote", listings[0].Location)
	assert.Equal(t, "host1", listings[0].ServerName)
}

func TestLocalDeleteRemovesOrphanedSidecar(t *testing.T) {
	l := newTestLocal(t)

	path := l.Path("web_20240101_020000.tar.gz")
	require.NoError(t, archive.WriteSidecar(path, "host1"))

	assert.ErrorIs(t, l.Delete("web_20240101_020000.tar.gz"), ErrArchiveNotFound)
	assert.NoFileExists(t, archive.SidecarPath(path))
}

func TestLocalListMissingDirIsEmpty(t *testing.T) {
	l := NewLocal(filepath.Join(t.TempDir(), "absent"), t.TempDir(), zerolog.Nop())

	listings, err := l.List()
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestLocalDelete(t *testing.T) {
	l := newTestLocal(t)

	path := writeArchive(t, l, "web_20240101_020000.tar.gz")
	require.NoError(t, archive.WriteSidecar(path, "host1"))

	require.NoError(t, l.Delete("web_20240101_020000.tar.gz"))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, archive.SidecarPath(path))

	assert.ErrorIs(t, l.Delete("web_20240101_020000.tar.gz"), ErrArchiveNotFound)
}

func TestLocalPathFlattensTraversal(t *testing.T) {
	l := newTestLocal(t)
	assert.Equal(t, l.Path("evil.tar.gz"), l.Path("../../evil.tar.gz"))
}

func TestSweepTempRemovesOnlyAgedFiles(t *testing.T) {
	l := newTestLocal(t)

	aged := l.TempPath("aged.tar.gz")
	fresh := l.TempPath("fresh.tar.gz")
	require.NoError(t, os.WriteFile(aged, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	past := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(aged, past, past))

	assert.Equal(t, 1, l.SweepTemp())
	assert.NoFileExists(t, aged)
	assert.FileExists(t, fresh)
}

func TestManagerLocalOnly(t *testing.T) {
	l := newTestLocal(t)
	m := NewManager(l, zerolog.Nop())

	writeArchive(t, l, "web_20240101_020000.tar.gz")

	// Finalize without a remote leaves the body where it is.
	require.NoError(t, m.Finalize(context.Background(), "web_20240101_020000.tar.gz"))
	assert.FileExists(t, l.Path("web_20240101_020000.tar.gz"))

	path, err := m.Fetch(context.Background(), "web_20240101_020000.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, l.Path("web_20240101_020000.tar.gz"), path)

	_, err = m.Fetch(context.Background(), "missing.tar.gz")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestManagerMetadata(t *testing.T) {
	l := newTestLocal(t)
	m := NewManager(l, zerolog.Nop())

	writeArchive(t, l, "web_20240101_020000.tar.gz")

	meta, err := m.Metadata(context.Background(), "web_20240101_020000.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "web", meta.ContainerName)
}

func TestManagerBundleAll(t *testing.T) {
	l := newTestLocal(t)
	m := NewManager(l, zerolog.Nop())

	writeArchive(t, l, "web_20240101_020000.tar.gz")
	writeArchive(t, l, "db_20240102_020000.tar.gz")

	path, err := m.BundleAll(context.Background())
	require.NoError(t, err)
	defer os.Remove(path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	members := map[string]bool{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		members[hdr.Name] = true
	}
	assert.True(t, members["web_20240101_020000.tar.gz"])
	assert.True(t, members["db_20240102_020000.tar.gz"])
	assert.Len(t, members, 2)
}

func TestManagerBundleAllEmpty(t *testing.T) {
	l := newTestLocal(t)
	m := NewManager(l, zerolog.Nop())

	_, err := m.BundleAll(context.Background())
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestManagerDeleteLocalOnly(t *testing.T) {
	l := newTestLocal(t)
	m := NewManager(l, zerolog.Nop())

	writeArchive(t, l, "web_20240101_020000.tar.gz")
	require.NoError(t, m.Delete(context.Background(), "web_20240101_020000.tar.gz"))
	assert.ErrorIs(t, m.Delete(context.Background(), "web_20240101_020000.tar.gz"), ErrArchiveNotFound)
}
