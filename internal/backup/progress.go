package backup

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevedore-app/stevedore/internal/models"
)

// progressMaxAge is how long terminal records stay visible before the
// registry evicts them.
const progressMaxAge = 24 * time.Hour

// Registry is the in-memory progress store. Reads return snapshots so
// progress polls never contend with a running backup.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.ProgressRecord
}

// NewRegistry creates an empty progress registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*models.ProgressRecord)}
}

// Create allocates a new progress record in the given initial status.
func (r *Registry) Create(containerID, containerName string, scheduled bool, status models.ProgressStatus) *models.ProgressRecord {
	now := time.Now().UTC()
	rec := &models.ProgressRecord{
		ID:            uuid.NewString(),
		Status:        status,
		TotalSteps:    models.TotalBackupSteps,
		ContainerID:   containerID,
		ContainerName: containerName,
		IsScheduled:   scheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	return rec
}

// Get returns a snapshot of the record, or false when unknown.
func (r *Registry) Get(id string) (models.ProgressRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return models.ProgressRecord{}, false
	}
	return *rec, true
}

// SetContainerName fills in the container name once the engine has
// resolved it from the inspect document.
func (r *Registry) SetContainerName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.ContainerName = name
		rec.UpdatedAt = time.Now().UTC()
	}
}

// SetStatus transitions a record to the given status.
func (r *Registry) SetStatus(id string, status models.ProgressStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Status = status
		rec.UpdatedAt = time.Now().UTC()
	}
}

// Step advances a record to the given step. Steps are monotonic: a stale
// writer can never move a record backwards.
func (r *Registry) Step(id string, step int, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || step < rec.CurrentStep {
		return
	}
	rec.CurrentStep = step
	rec.Step = name
	rec.Status = models.ProgressRunning
	rec.UpdatedAt = time.Now().UTC()
}

// Complete marks a record complete with its archive filename.
func (r *Registry) Complete(id, filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Status = models.ProgressComplete
		rec.CurrentStep = models.TotalBackupSteps
		rec.BackupFilename = filename
		rec.UpdatedAt = time.Now().UTC()
	}
}

// Fail transitions a record to the error terminal.
func (r *Registry) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Status = models.ProgressError
		rec.Error = err.Error()
		rec.UpdatedAt = time.Now().UTC()
	}
}

// Evict drops terminal records older than progressMaxAge and returns how
// many were removed.
func (r *Registry) Evict() int {
	cutoff := time.Now().UTC().Add(-progressMaxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}
