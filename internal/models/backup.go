package models

// BackupType distinguishes operator-initiated from scheduler-initiated backups.
type BackupType string

const (
	// BackupManual is an operator-initiated backup, never pruned automatically.
	BackupManual BackupType = "manual"
	// BackupScheduled is produced by the scheduler and subject to retention.
	BackupScheduled BackupType = "scheduled"
)

// BackupMetadata is written as backup_metadata.json inside every archive.
type BackupMetadata struct {
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	BackupDate    string     `json:"backup_date"`
	BackupType    BackupType `json:"backup_type"`
	Image         string     `json:"image"`
	ImageBackedUp bool       `json:"image_backed_up"`
	Status        string     `json:"status"` // running or stopped
	ServerName    string     `json:"server_name"`
}

// VolumeInfo describes one mount of the backed-up container. Destination is
// recovered from HostConfig.Binds, whose textual form survives volume
// renames; Mounts only reflects the resolved mount.
type VolumeInfo struct {
	Type        string `json:"type"` // volume or bind
	Name        string `json:"name,omitempty"`
	Destination string `json:"destination"`
	Driver      string `json:"driver,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Sidecar is the companion <archive>.tar.gz.json stored next to each archive
// so listings never need to download the body.
type Sidecar struct {
	ServerName string `json:"server_name"`
}

// BackupListing describes one archive as presented by the listing API.
type BackupListing struct {
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
	ModTime    string `json:"mod_time"`
	Scheduled  bool   `json:"scheduled"`
	ServerName string `json:"server_name,omitempty"`
	Location   string `json:"location"` // local or remote
}
