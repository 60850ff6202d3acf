// Package backup implements the backup engine, restore engine, supervisor,
// scheduler and retention policy.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/metrics"
	"github.com/stevedore-app/stevedore/internal/models"
)

// queueCapacity bounds the FIFO queue. A full queue rejects submissions
// rather than blocking API handlers.
const queueCapacity = 64

// queuePollInterval is the bounded pop timeout, so the processor can
// observe shutdown while the queue is idle.
const queuePollInterval = 5 * time.Second

// ErrQueueFull is returned when the FIFO queue cannot accept more entries.
var ErrQueueFull = errors.New("backup queue is full")

// BusyError is returned when the slot is held and the caller declined
// queueing. It carries the current-operation descriptor.
type BusyError struct {
	Current *CurrentOperation
}

func (e *BusyError) Error() string {
	if e.Current != nil {
		return fmt.Sprintf("a backup is already running for container %s", e.Current.ContainerName)
	}
	return "a backup is already running"
}

// CurrentOperation describes the backup currently holding the slot.
type CurrentOperation struct {
	ProgressID    string    `json:"progress_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name,omitempty"`
	Scheduled     bool      `json:"scheduled"`
	StartedAt     time.Time `json:"started_at"`
}

// Status is the supervisor's visibility surface.
type Status struct {
	SlotHeld   bool              `json:"slot_held"`
	Current    *CurrentOperation `json:"current,omitempty"`
	QueueDepth int               `json:"queue_depth"`
}

type queueEntry struct {
	progressID  string
	containerID string
	scheduled   bool
}

// Runner executes one backup against a progress record. Satisfied by
// *Engine; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, progressID, containerID string, scheduled bool) error
}

// Supervisor serialises backups onto a single slot with a FIFO queue.
// Direct submissions try the slot without blocking; queued submissions are
// drained in order by a single long-lived processor goroutine, which is the
// serialisation point. The processor releases the slot itself; the engine
// never does.
type Supervisor struct {
	engine   Runner
	registry *Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	slot  sync.Mutex
	queue chan queueEntry

	mu        sync.Mutex
	current   *CurrentOperation
	processor bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor over the given engine.
func NewSupervisor(engine Runner, registry *Registry, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		engine:   engine,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		queue:    make(chan queueEntry, queueCapacity),
		shutdown: make(chan struct{}),
	}
}

// Start is the unified submission API. It either runs the backup
// immediately on a background worker, fails with BusyError, or queues the
// entry and ensures the processor is running.
func (s *Supervisor) Start(containerID, containerName string, queueIfBusy, scheduled bool) (models.ProgressRecord, error) {
	if s.slot.TryLock() {
		rec := s.registry.Create(containerID, containerName, scheduled, models.ProgressStarting)
		s.setCurrent(rec)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseSlot()
			s.runOne(rec.ID, containerID, scheduled)
		}()

		snapshot, _ := s.registry.Get(rec.ID)
		return snapshot, nil
	}

	if !queueIfBusy {
		return models.ProgressRecord{}, &BusyError{Current: s.Current()}
	}

	rec := s.registry.Create(containerID, containerName, scheduled, models.ProgressQueued)
	select {
	case s.queue <- queueEntry{progressID: rec.ID, containerID: containerID, scheduled: scheduled}:
	default:
		s.registry.Fail(rec.ID, ErrQueueFull)
		return models.ProgressRecord{}, ErrQueueFull
	}
	s.metrics.QueueDepth.Set(float64(len(s.queue)))

	s.ensureProcessor()

	snapshot, _ := s.registry.Get(rec.ID)
	return snapshot, nil
}

// ensureProcessor starts the queue processor if it is not running. Calling
// it repeatedly is cheap and idempotent, which also makes a crashed
// processor restartable on the next submission.
func (s *Supervisor) ensureProcessor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processor {
		return
	}
	s.processor = true

	s.wg.Add(1)
	go s.processQueue()
}

// processQueue drains the FIFO queue one entry at a time. Pops are bounded
// so shutdown is observable while the queue is idle.
func (s *Supervisor) processQueue() {
	// held tracks whether this goroutine owns the slot, so the panic path
	// releases only its own acquisition and never a direct submission's.
	held := false

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.processor = false
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("queue processor crashed")
			if held {
				s.releaseSlot()
			}
		}
	}()

	s.logger.Info().Msg("queue processor started")

	timer := time.NewTimer(queuePollInterval)
	defer timer.Stop()

	for {
		timer.Reset(queuePollInterval)

		select {
		case <-s.shutdown:
			s.logger.Info().Msg("queue processor stopping")
			return
		case <-timer.C:
			continue
		case entry := <-s.queue:
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
			s.registry.SetStatus(entry.progressID, models.ProgressWaiting)

			// The serialisation point: strictly one backup at a time,
			// in pop order.
			s.slot.Lock()
			held = true

			rec, ok := s.registry.Get(entry.progressID)
			if !ok {
				s.releaseSlot()
				held = false
				continue
			}
			s.registry.SetStatus(entry.progressID, models.ProgressStarting)
			s.setCurrent(&rec)

			s.runOne(entry.progressID, entry.containerID, entry.scheduled)
			s.releaseSlot()
			held = false
		}
	}
}

// runOne executes the engine for a single submission. The caller owns the
// slot; errors terminate the record but never the processor.
func (s *Supervisor) runOne(progressID, containerID string, scheduled bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.engine.Run(ctx, progressID, containerID, scheduled); err != nil {
		s.logger.Error().Err(err).Str("container_id", containerID).Msg("backup failed")
	}
}

func (s *Supervisor) setCurrent(rec *models.ProgressRecord) {
	s.mu.Lock()
	s.current = &CurrentOperation{
		ProgressID:    rec.ID,
		ContainerID:   rec.ContainerID,
		ContainerName: rec.ContainerName,
		Scheduled:     rec.IsScheduled,
		StartedAt:     time.Now().UTC(),
	}
	s.mu.Unlock()
	s.metrics.SlotHeld.Set(1)
}

// releaseSlot clears the current-operation descriptor and releases the
// slot, in that order, so no observer sees a free slot with a stale
// descriptor.
func (s *Supervisor) releaseSlot() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.metrics.SlotHeld.Set(0)
	s.slot.Unlock()
}

// Current returns the current-operation descriptor, or nil when idle.
func (s *Supervisor) Current() *CurrentOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	op := *s.current
	return &op
}

// Status reports slot, current operation and queue depth. It never touches
// the Docker daemon.
func (s *Supervisor) Status() Status {
	current := s.Current()
	return Status{
		SlotHeld:   current != nil,
		Current:    current,
		QueueDepth: len(s.queue),
	}
}

// Progress returns a snapshot of a progress record.
func (s *Supervisor) Progress(id string) (models.ProgressRecord, bool) {
	return s.registry.Get(id)
}

// Stop shuts down the queue processor and waits for in-flight work.
func (s *Supervisor) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}
