package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stevedore-app/stevedore/internal/models"
)

// GetStorageSettings returns the object store settings, or disabled defaults
// when none have been saved yet.
func (s *Store) GetStorageSettings(ctx context.Context) (*models.StorageSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM storage_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.StorageSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage settings: %w", err)
	}

	var settings models.StorageSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("parse storage settings: %w", err)
	}
	return &settings, nil
}

// SaveStorageSettings inserts or replaces the object store settings.
func (s *Store) SaveStorageSettings(ctx context.Context, settings *models.StorageSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal storage settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_settings (id, settings, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at
	`, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save storage settings: %w", err)
	}
	return nil
}
