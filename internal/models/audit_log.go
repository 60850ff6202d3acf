package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action that was audited.
type AuditAction string

const (
	// AuditActionBackupStart records a backup being started or queued.
	AuditActionBackupStart AuditAction = "backup_start"
	// AuditActionBackupComplete records a backup reaching completion.
	AuditActionBackupComplete AuditAction = "backup_complete"
	// AuditActionBackupError records a backup failing.
	AuditActionBackupError AuditAction = "backup_error"
	// AuditActionRestore records a restore operation.
	AuditActionRestore AuditAction = "restore"
	// AuditActionPrune records a lifecycle retention prune.
	AuditActionPrune AuditAction = "prune"
	// AuditActionDelete records an explicit archive deletion.
	AuditActionDelete AuditAction = "delete"
)

// AuditResult represents the outcome of an audited action.
type AuditResult string

const (
	// AuditResultSuccess indicates the action completed successfully.
	AuditResultSuccess AuditResult = "success"
	// AuditResultFailure indicates the action failed.
	AuditResultFailure AuditResult = "failure"
)

// AuditLog represents a single audit log entry.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Result       AuditResult `json:"result"`
	User         string      `json:"user,omitempty"`
	Details      string      `json:"details,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewAuditLog creates a new AuditLog entry.
func NewAuditLog(action AuditAction, resourceType string, result AuditResult) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		Result:       result,
		CreatedAt:    time.Now().UTC(),
	}
}

// WithResource sets the resource identifier.
func (a *AuditLog) WithResource(id string) *AuditLog {
	a.ResourceID = id
	return a
}

// WithUser sets the acting user.
func (a *AuditLog) WithUser(user string) *AuditLog {
	a.User = user
	return a
}

// WithDetails sets the free-form details message.
func (a *AuditLog) WithDetails(details string) *AuditLog {
	a.Details = details
	return a
}
