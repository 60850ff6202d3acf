package models

import (
	"errors"
	"time"
)

// ScheduleType represents how often scheduled backups fire.
type ScheduleType string

const (
	// ScheduleDaily fires every day at the configured hour.
	ScheduleDaily ScheduleType = "daily"
	// ScheduleWeekly fires once a week at the configured weekday and hour.
	ScheduleWeekly ScheduleType = "weekly"
)

// Schedule is the singleton backup schedule. The external calendar uses
// Sunday=0 for DayOfWeek, matching what operators configure in the UI.
type Schedule struct {
	ScheduleType       ScheduleType `json:"schedule_type"`
	Hour               int          `json:"hour"`
	DayOfWeek          int          `json:"day_of_week"`
	Lifecycle          int          `json:"lifecycle"`
	SelectedContainers []string     `json:"selected_containers"`
	LastRun            *time.Time   `json:"last_run,omitempty"`
	NextRun            *time.Time   `json:"next_run,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Validate checks the schedule for invalid field combinations.
func (s *Schedule) Validate() error {
	switch s.ScheduleType {
	case ScheduleDaily:
	case ScheduleWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return errors.New("day_of_week must be 0-6 (Sunday=0)")
		}
	default:
		return errors.New("schedule_type must be daily or weekly")
	}
	if s.Hour < 0 || s.Hour > 23 {
		return errors.New("hour must be 0-23")
	}
	if s.Lifecycle < 1 {
		return errors.New("lifecycle must be a positive integer")
	}
	return nil
}

// HasContainers reports whether any containers are selected for backup.
func (s *Schedule) HasContainers() bool {
	return len(s.SelectedContainers) > 0
}

// RemoveContainer drops a container from the selection. It returns true if
// the container was present.
func (s *Schedule) RemoveContainer(id string) bool {
	for i, c := range s.SelectedContainers {
		if c == id {
			s.SelectedContainers = append(s.SelectedContainers[:i], s.SelectedContainers[i+1:]...)
			return true
		}
	}
	return false
}
