package models

// StorageSettings configures the optional S3-compatible object store for
// archive bodies and sidecars. When disabled, archives stay on the local
// backups directory only.
type StorageSettings struct {
	Enabled         bool   `json:"enabled"`
	Endpoint        string `json:"endpoint,omitempty"` // empty for AWS S3
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
}
