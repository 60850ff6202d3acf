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

// ErrScheduleNotFound is returned when no schedule has been configured.
var ErrScheduleNotFound = errors.New("schedule not found")

// GetSchedule returns the singleton backup schedule.
func (s *Store) GetSchedule(ctx context.Context) (*models.Schedule, error) {
	var (
		sched      models.Schedule
		containers string
		lastRun    sql.NullString
		nextRun    sql.NullString
		updatedAt  string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT schedule_type, hour, day_of_week, lifecycle, selected_containers, last_run, next_run, updated_at
		FROM schedules WHERE id = 1
	`).Scan(&sched.ScheduleType, &sched.Hour, &sched.DayOfWeek, &sched.Lifecycle,
		&containers, &lastRun, &nextRun, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}

	if err := json.Unmarshal([]byte(containers), &sched.SelectedContainers); err != nil {
		return nil, fmt.Errorf("parse selected containers: %w", err)
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339, lastRun.String); err == nil {
			sched.LastRun = &t
		}
	}
	if nextRun.Valid {
		if t, err := time.Parse(time.RFC3339, nextRun.String); err == nil {
			sched.NextRun = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		sched.UpdatedAt = t
	}

	return &sched, nil
}

// SaveSchedule inserts or replaces the singleton schedule row.
func (s *Store) SaveSchedule(ctx context.Context, sched *models.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	containers, err := json.Marshal(sched.SelectedContainers)
	if err != nil {
		return fmt.Errorf("marshal selected containers: %w", err)
	}

	var lastRun, nextRun any
	if sched.LastRun != nil {
		lastRun = sched.LastRun.UTC().Format(time.RFC3339)
	}
	if sched.NextRun != nil {
		nextRun = sched.NextRun.UTC().Format(time.RFC3339)
	}

	sched.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, schedule_type, hour, day_of_week, lifecycle, selected_containers, last_run, next_run, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schedule_type = excluded.schedule_type,
			hour = excluded.hour,
			day_of_week = excluded.day_of_week,
			lifecycle = excluded.lifecycle,
			selected_containers = excluded.selected_containers,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at
	`, string(sched.ScheduleType), sched.Hour, sched.DayOfWeek, sched.Lifecycle,
		string(containers), lastRun, nextRun, sched.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}

	return nil
}

// DeleteSchedule removes the singleton schedule row.
func (s *Store) DeleteSchedule(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = 1`); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
