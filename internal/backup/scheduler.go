package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/db"
	"github.com/stevedore-app/stevedore/internal/models"
)

// Wake and batch bounds. The loop wakes every minute so a configured hour
// is never missed by more than that; a scheduled batch is abandoned to
// retention after an hour regardless of stragglers.
const (
	schedulerWakeInterval = 60 * time.Second
	batchWaitTimeout      = 3600 * time.Second
	monitorPollInterval   = 2 * time.Second
)

// ScheduleStore persists the singleton schedule.
type ScheduleStore interface {
	GetSchedule(ctx context.Context) (*models.Schedule, error)
	SaveSchedule(ctx context.Context, sched *models.Schedule) error
}

// Submitter is the supervisor surface the scheduler needs.
type Submitter interface {
	Start(containerID, containerName string, queueIfBusy, scheduled bool) (models.ProgressRecord, error)
	Progress(id string) (models.ProgressRecord, bool)
}

// Scheduler fires scheduled backups from a wall-clock loop. One schedule
// exists per installation; state lives in the store so the loop survives
// restarts and fires immediately when next_run is already in the past.
type Scheduler struct {
	store      ScheduleStore
	supervisor Submitter
	retention  *Retention
	logger     zerolog.Logger

	wakeInterval time.Duration
	pollInterval time.Duration
	batchTimeout time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// Batch monitors are tracked separately so Stop never blocks on a
	// batch that is still draining.
	monitors sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(store ScheduleStore, supervisor Submitter, retention *Retention, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		supervisor:   supervisor,
		retention:    retention,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		wakeInterval: schedulerWakeInterval,
		pollInterval: monitorPollInterval,
		batchTimeout: batchWaitTimeout,
	}
}

// Start launches the wall-clock loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stop)
	s.logger.Info().Msg("scheduler started")
}

// Stop halts the loop and waits for it to exit. In-flight monitor
// goroutines are left to finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Update validates and persists a new schedule with a freshly derived
// next_run, then restarts the loop so the change takes effect immediately.
func (s *Scheduler) Update(ctx context.Context, sched *models.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	now := time.Now()
	next := NextRun(now, sched)
	sched.NextRun = &next

	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return err
	}

	s.Stop()
	s.Start()
	s.logger.Info().Time("next_run", next).Msg("schedule updated")
	return nil
}

// RemoveContainer drops a deleted container from the selection and
// recomputes next_run. The loop naturally goes quiet when the selection
// empties.
func (s *Scheduler) RemoveContainer(ctx context.Context, containerID string) error {
	sched, err := s.store.GetSchedule(ctx)
	if err != nil {
		if errors.Is(err, db.ErrScheduleNotFound) {
			return nil
		}
		return err
	}

	if !sched.RemoveContainer(containerID) {
		return nil
	}

	if sched.HasContainers() {
		next := NextRun(time.Now(), sched)
		sched.NextRun = &next
	} else {
		sched.NextRun = nil
		s.logger.Info().Msg("schedule selection is empty, scheduler going idle")
	}
	return s.store.SaveSchedule(ctx, sched)
}

func (s *Scheduler) loop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	// First check runs immediately so a next_run that passed while the
	// service was down fires on startup.
	s.check(time.Now())

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.check(now)
		}
	}
}

// check fires the schedule when due. Each wake reloads the schedule so
// out-of-band edits are picked up without a restart.
func (s *Scheduler) check(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched, err := s.store.GetSchedule(ctx)
	if err != nil {
		if !errors.Is(err, db.ErrScheduleNotFound) {
			s.logger.Warn().Err(err).Msg("failed to load schedule")
		}
		return
	}
	if !sched.HasContainers() {
		return
	}

	if sched.NextRun == nil {
		next := NextRun(now, sched)
		sched.NextRun = &next
		if err := s.store.SaveSchedule(ctx, sched); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist derived next_run")
		}
		return
	}

	if now.Before(*sched.NextRun) {
		return
	}

	s.fire(ctx, now, sched)
}

// fire submits one queued backup per selected container, spawns the batch
// monitor, then advances last_run/next_run.
func (s *Scheduler) fire(ctx context.Context, now time.Time, sched *models.Schedule) {
	s.logger.Info().Int("containers", len(sched.SelectedContainers)).Msg("scheduled backup sweep firing")

	var progressIDs []string
	for _, containerID := range sched.SelectedContainers {
		rec, err := s.supervisor.Start(containerID, "", true, true)
		if err != nil {
			s.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to submit scheduled backup")
			continue
		}
		progressIDs = append(progressIDs, rec.ID)
	}

	lifecycle := sched.Lifecycle
	s.monitors.Add(1)
	go func() {
		defer s.monitors.Done()
		s.monitorBatch(progressIDs, lifecycle)
	}()

	lastRun := now
	next := NextRun(now, sched)
	sched.LastRun = &lastRun
	sched.NextRun = &next
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist schedule after firing")
	}
	s.logger.Info().Time("next_run", next).Msg("scheduled sweep submitted")
}

// monitorBatch polls the batch until every record is terminal or the batch
// timeout expires, then runs retention.
func (s *Scheduler) monitorBatch(progressIDs []string, lifecycle int) {
	deadline := time.Now().Add(s.batchTimeout)

	for time.Now().Before(deadline) {
		allDone := true
		for _, id := range progressIDs {
			rec, ok := s.supervisor.Progress(id)
			if ok && !rec.Status.IsTerminal() {
				allDone = false
				break
			}
		}
		if allDone {
			break
		}
		time.Sleep(s.pollInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.retention.Prune(ctx, lifecycle); err != nil {
		s.logger.Error().Err(err).Msg("retention pass failed")
	}
}

// NextRun derives the next firing instant. The external calendar uses
// Sunday=0 for day_of_week, which happens to match time.Weekday directly.
func NextRun(now time.Time, sched *models.Schedule) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), sched.Hour, 0, 0, 0, now.Location())

	switch sched.ScheduleType {
	case models.ScheduleWeekly:
		days := (sched.DayOfWeek - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
	default: // daily
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}
