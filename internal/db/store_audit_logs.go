package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stevedore-app/stevedore/internal/models"
)

// AuditLogFilter defines filters for querying audit logs.
type AuditLogFilter struct {
	Action       string
	ResourceType string
	Limit        int
	Offset       int
}

// CreateAuditLog inserts a new audit log entry. Audit rows are append-only.
func (s *Store) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, resource_type, resource_id, result, user, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID.String(), string(log.Action), log.ResourceType, log.ResourceID,
		string(log.Result), log.User, log.Details, log.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns audit logs newest first with optional filtering.
func (s *Store) ListAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*models.AuditLog, error) {
	query := `
		SELECT id, action, resource_type, resource_id, result, user, details, created_at
		FROM audit_logs
		WHERE 1=1
	`
	var args []any

	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, filter.ResourceType)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var (
			log        models.AuditLog
			id         string
			resourceID sql.NullString
			user       sql.NullString
			details    sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&id, &log.Action, &log.ResourceType, &resourceID,
			&log.Result, &user, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}

		if parsed, err := uuid.Parse(id); err == nil {
			log.ID = parsed
		}
		log.ResourceID = resourceID.String
		log.User = user.String
		log.Details = details.String
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			log.CreatedAt = t
		}

		logs = append(logs, &log)
	}

	return logs, rows.Err()
}
