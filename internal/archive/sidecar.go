package archive

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stevedore-app/stevedore/internal/models"
)

// SidecarPath returns the companion sidecar path for an archive.
func SidecarPath(archivePath string) string {
	return archivePath + ".json"
}

// WriteSidecar writes the companion <archive>.tar.gz.json next to the
// archive so listings never need to download the body.
func WriteSidecar(archivePath, serverName string) error {
	data, err := json.Marshal(models.Sidecar{ServerName: serverName})
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(archivePath), data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar reads a companion sidecar. A missing or corrupt sidecar is
// not fatal to listings; callers treat the error as "no metadata".
func ReadSidecar(archivePath string) (*models.Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(archivePath))
	if err != nil {
		return nil, err
	}
	var sidecar models.Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	return &sidecar, nil
}

// ReadMetadata reads and parses backup_metadata.json from an archive.
func ReadMetadata(path string) (*models.BackupMetadata, error) {
	data, err := ReadMember(path, MetadataFile)
	if err != nil {
		return nil, err
	}
	var meta models.BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrMalformed, err)
	}
	return &meta, nil
}

// ReadVolumesInfo reads and parses volumes_info.json, returning nil when the
// archive has no mounts.
func ReadVolumesInfo(path string) ([]models.VolumeInfo, error) {
	ok, err := HasMember(path, VolumesInfoFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	data, err := ReadMember(path, VolumesInfoFile)
	if err != nil {
		return nil, err
	}
	var info []models.VolumeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: parse volumes info: %v", ErrMalformed, err)
	}
	return info, nil
}
