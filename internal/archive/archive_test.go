package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildWorkDir creates a working directory with the required members plus
// any extras, then returns an archive built from it.
func buildArchive(t *testing.T, extras map[string]string) string {
	t.Helper()

	work := t.TempDir()
	files := map[string]string{
		MetadataFile: `{"container_id":"abc","container_name":"web","backup_type":"manual","server_name":"host1"}`,
		ConfigFile:   `{"Name":"/web","Config":{"Image":"nginx:1.25"}}`,
	}
	for name, content := range extras {
		files[name] = content
	}

	for name, content := range files {
		full := filepath.Join(work, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	path := filepath.Join(t.TempDir(), "web_20240101_020000.tar.gz")
	require.NoError(t, Create(path, work))
	return path
}

func TestCreateAndVerify(t *testing.T) {
	path := buildArchive(t, map[string]string{
		RunCommandFile:                      "docker run --name web nginx:1.25",
		ComposeFileName:                     "services:\n  web:\n    image: nginx:1.25\n",
		VolumesDir + "/webdata_data.tar.gz": "payload",
	})

	members, err := Verify(path)
	require.NoError(t, err)

	assert.Contains(t, members, "./"+MetadataFile)
	assert.Contains(t, members, "./"+ConfigFile)
	assert.Contains(t, members, "./"+VolumesDir+"/webdata_data.tar.gz")

	// No partial file remains after a successful create.
	assert.NoFileExists(t, path+".partial")
}

func TestVerifyMissingRequiredMember(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, MetadataFile), []byte("{}"), 0o644))

	path := filepath.Join(t.TempDir(), "broken.tar.gz")
	require.NoError(t, Create(path, work))

	_, err := Verify(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyTruncatedArchive(t *testing.T) {
	path := buildArchive(t, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	_, err = Verify(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("not a gzip stream"), 0o644))

	_, err := Verify(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadMemberPrefixAgnostic(t *testing.T) {
	path := buildArchive(t, nil)

	data, err := ReadMember(path, ConfigFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nginx:1.25")

	data, err = ReadMember(path, "./"+ConfigFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nginx:1.25")

	_, err = ReadMember(path, "nope.json")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestExtractMember(t *testing.T) {
	path := buildArchive(t, map[string]string{VolumesDir + "/webdata_data.tar.gz": "volume bytes"})

	dest := filepath.Join(t.TempDir(), "webdata_data.tar.gz")
	require.NoError(t, ExtractMember(path, VolumesDir+"/webdata_data.tar.gz", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "volume bytes", string(data))
}

func TestMemberSize(t *testing.T) {
	path := buildArchive(t, map[string]string{ImageFile: "0123456789"})

	size, err := MemberSize(path, ImageFile)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestReadMetadata(t *testing.T) {
	path := buildArchive(t, nil)

	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "web", meta.ContainerName)
	assert.Equal(t, "host1", meta.ServerName)
}

func TestReadVolumesInfoAbsentIsNil(t *testing.T) {
	path := buildArchive(t, nil)

	info, err := ReadVolumesInfo(path)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, "web_20240102_030405.tar.gz", Filename("web", false, ts))
	assert.Equal(t, "scheduled_web_20240102_030405.tar.gz", Filename("web", true, ts))
	assert.True(t, IsScheduled("scheduled_web_20240102_030405.tar.gz"))
	assert.False(t, IsScheduled("web_20240102_030405.tar.gz"))
}

func TestParseScheduledName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		ok       bool
	}{
		{"scheduled_web_20240102_030405.tar.gz", "web", true},
		{"scheduled_my_app_db_20240102_030405.tar.gz", "my_app_db", true},
		{"web_20240102_030405.tar.gz", "", false},
		{"scheduled_short.tar.gz", "", false},
		{"scheduled_web_20240102_030405.txt", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseScheduledName(tt.filename)
		assert.Equal(t, tt.ok, ok, tt.filename)
		assert.Equal(t, tt.want, got, tt.filename)
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	path := buildArchive(t, nil)
	require.NoError(t, WriteSidecar(path, "host1"))

	sidecar, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, "host1", sidecar.ServerName)
	assert.Equal(t, path+".json", SidecarPath(path))
}
