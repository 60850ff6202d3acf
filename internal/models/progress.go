package models

import "time"

// ProgressStatus represents the lifecycle state of a backup submission.
type ProgressStatus string

const (
	// ProgressQueued means the entry is waiting in the FIFO queue.
	ProgressQueued ProgressStatus = "queued"
	// ProgressWaiting means the queue processor popped the entry and is
	// blocking on the backup slot.
	ProgressWaiting ProgressStatus = "waiting"
	// ProgressStarting means the slot is held and the engine is about to run.
	ProgressStarting ProgressStatus = "starting"
	// ProgressRunning means the engine is executing backup steps.
	ProgressRunning ProgressStatus = "running"
	// ProgressComplete means the archive was sealed and verified.
	ProgressComplete ProgressStatus = "complete"
	// ProgressError means the backup terminated with a failure.
	ProgressError ProgressStatus = "error"
)

// IsTerminal reports whether the status is a terminal state.
func (s ProgressStatus) IsTerminal() bool {
	return s == ProgressComplete || s == ProgressError
}

// TotalBackupSteps is the number of observable steps in a backup.
const TotalBackupSteps = 6

// ProgressRecord tracks a single backup submission from queueing to a
// terminal state. Records are mutated only by the goroutine that owns the
// progress id; readers get snapshots from the supervisor.
type ProgressRecord struct {
	ID             string         `json:"id"`
	Status         ProgressStatus `json:"status"`
	Step           string         `json:"step"`
	CurrentStep    int            `json:"current_step"`
	TotalSteps     int            `json:"total_steps"`
	ContainerID    string         `json:"container_id"`
	ContainerName  string         `json:"container_name,omitempty"`
	IsScheduled    bool           `json:"is_scheduled"`
	Error          string         `json:"error,omitempty"`
	BackupFilename string         `json:"backup_filename,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
