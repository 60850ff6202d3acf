// Package archive reads and writes the portable backup archive format: a
// gzipped tar whose members live under a top-level ./ prefix.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Member names inside an archive.
const (
	MetadataFile    = "backup_metadata.json"
	ConfigFile      = "container_config.json"
	RunCommandFile  = "docker_run_command.txt"
	ComposeFileName = "docker-compose.yml"
	ImageFile       = "image.tar"
	VolumesInfoFile = "volumes_info.json"
	VolumesDir      = "volumes"
)

// ScheduledPrefix marks archives produced by the scheduler; only these are
// subject to lifecycle retention.
const ScheduledPrefix = "scheduled_"

// TimestampLayout is the filename timestamp format.
const TimestampLayout = "20060102_150405"

// ErrMalformed is returned when an archive is missing required members or
// its members cannot be read.
var ErrMalformed = errors.New("malformed backup archive")

// Filename builds the archive filename for a container backup.
func Filename(containerName string, scheduled bool, t time.Time) string {
	name := containerName + "_" + t.Format(TimestampLayout) + ".tar.gz"
	if scheduled {
		return ScheduledPrefix + name
	}
	return name
}

// IsScheduled reports whether the archive filename carries the scheduled prefix.
func IsScheduled(filename string) bool {
	return strings.HasPrefix(filepath.Base(filename), ScheduledPrefix)
}

// ParseScheduledName extracts the container name from a scheduled archive
// filename by stripping the prefix, the .tar.gz suffix and the trailing
// date and time tokens. Container names containing underscores survive.
func ParseScheduledName(filename string) (string, bool) {
	base := filepath.Base(filename)
	if !strings.HasPrefix(base, ScheduledPrefix) || !strings.HasSuffix(base, ".tar.gz") {
		return "", false
	}

	trimmed := strings.TrimSuffix(strings.TrimPrefix(base, ScheduledPrefix), ".tar.gz")
	parts := strings.Split(trimmed, "_")
	if len(parts) < 3 {
		return "", false
	}
	return strings.Join(parts[:len(parts)-2], "_"), true
}

// Create builds the archive at path from the contents of workDir. Members
// are stored under ./ so they extract in place. The archive is written to a
// partial file, flushed to disk, then renamed into place; the caller is
// still expected to Verify before advertising completion.
func Create(path, workDir string) error {
	partial := path + ".partial"

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	err = filepath.Walk(workDir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(workDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = "./" + filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gzw.Close()
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("write archive members: %w", err)
	}

	// Close order matters: tar, then gzip, then fsync the file so every
	// byte is durable before the rename makes the archive visible.
	if err := tw.Close(); err != nil {
		gzw.Close()
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := gzw.Close(); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("close gzip stream: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("close archive: %w", err)
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// Verify opens the archive with a fresh reader, streams every member to EOF
// and checks the required members are present. It returns the member list.
// This is what catches truncated gzip streams, mid-write kills and
// filesystem-full lies before an archive is ever advertised.
func Verify(path string) ([]string, error) {
	members, err := walk(path, func(header *tar.Header, r io.Reader) error {
		_, err := io.Copy(io.Discard, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	required := map[string]bool{MetadataFile: false, ConfigFile: false}
	for _, member := range members {
		if _, ok := required[normalize(member)]; ok {
			required[normalize(member)] = true
		}
	}
	for name, found := range required {
		if !found {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformed, name)
		}
	}

	return members, nil
}

// List returns the member names without streaming contents.
func List(path string) ([]string, error) {
	return walk(path, nil)
}

// ReadMember returns the contents of a single member. Names match with or
// without the ./ prefix.
func ReadMember(path, name string) ([]byte, error) {
	var data []byte
	found := false

	_, err := walk(path, func(header *tar.Header, r io.Reader) error {
		if normalize(header.Name) != normalize(name) {
			return nil
		}
		var err error
		data, err = io.ReadAll(r)
		found = true
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	return data, nil
}

// HasMember reports whether the archive contains the named member.
func HasMember(path, name string) (bool, error) {
	members, err := List(path)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if normalize(member) == normalize(name) {
			return true, nil
		}
	}
	return false, nil
}

// MemberSize returns the stored size of a member, or an error when absent.
func MemberSize(path, name string) (int64, error) {
	var size int64
	found := false

	_, err := walk(path, func(header *tar.Header, r io.Reader) error {
		if normalize(header.Name) == normalize(name) {
			size = header.Size
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	return size, nil
}

// ExtractMember streams a single member to destPath.
func ExtractMember(path, name, destPath string) error {
	found := false

	_, err := walk(path, func(header *tar.Header, r io.Reader) error {
		if normalize(header.Name) != normalize(name) {
			return nil
		}
		found = true

		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			os.Remove(destPath)
			return err
		}
		return out.Close()
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	return nil
}

// walk opens the archive and calls fn for every regular member. A nil fn
// only collects names.
func walk(path string, fn func(*tar.Header, io.Reader) error) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var members []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		members = append(members, header.Name)
		if fn != nil && header.Typeflag == tar.TypeReg {
			if err := fn(header, tr); err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, header.Name, err)
			}
		}
	}

	return members, nil
}

// normalize strips the leading ./ so member lookups are prefix-agnostic.
func normalize(name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
}
