// Package schedule implements the recurring-task scheduler: durable
// schedule definitions, an append-only execution history, and a ticker
// loop that decides when each schedule is due and fires its task runner.
package schedule

import (
	"time"

	"github.com/fieldsync/fieldsync/errors"
)

// Task kinds a schedule can run
const (
	TaskKindWorkOrderSync = "work_order_sync"
)

// Trigger kinds recorded on each execution
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Interval bounds for a schedule
const (
	MinInterval = 15 * time.Minute
	MaxInterval = 24 * time.Hour
)

// Schedule is a per-owner recurring task definition and its run cursor
type Schedule struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	TaskKind string `json:"task_kind"`

	// IntervalSeconds is the cadence between scheduled runs
	IntervalSeconds int `json:"interval_seconds"`

	// WindowStartHour/WindowEndHour bound the local hours [start, end)
	// during which scheduled runs may fire. Both nil means always active.
	// The window may wrap midnight (start > end).
	WindowStartHour *int `json:"window_start_hour,omitempty"`
	WindowEndHour   *int `json:"window_end_hour,omitempty"`

	Enabled bool `json:"enabled"`

	// LastRunAt is the completion time of the most recent run
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	// NextRunAt is the cadence cursor for the next scheduled run
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	// ManualPending is set by TriggerNow and cleared when the manual
	// run completes. A manual fire bypasses the active window.
	ManualPending bool `json:"manual_pending"`

	// ConsecutiveFailures auto-disables the schedule at the configured
	// ceiling. Reset to zero on any successful run.
	ConsecutiveFailures int `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval returns the cadence as a duration
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Validate checks schedule fields before persistence
func (s *Schedule) Validate() error {
	if s.OwnerID == "" {
		return errors.NewInvalidRequestError("owner_id must not be empty")
	}
	if s.TaskKind == "" {
		return errors.NewInvalidRequestError("task_kind must not be empty")
	}
	interval := s.Interval()
	if interval < MinInterval || interval > MaxInterval {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"interval must be between %s and %s, got %s", MinInterval, MaxInterval, interval)
	}
	if (s.WindowStartHour == nil) != (s.WindowEndHour == nil) {
		return errors.NewInvalidRequestError("active window requires both start and end hours")
	}
	if s.WindowStartHour != nil {
		if *s.WindowStartHour < 0 || *s.WindowStartHour > 23 {
			return errors.Wrapf(errors.ErrInvalidRequest, "window start hour out of range: %d", *s.WindowStartHour)
		}
		if *s.WindowEndHour < 0 || *s.WindowEndHour > 23 {
			return errors.Wrapf(errors.ErrInvalidRequest, "window end hour out of range: %d", *s.WindowEndHour)
		}
		if *s.WindowStartHour == *s.WindowEndHour {
			return errors.NewInvalidRequestError("active window start and end hours must differ")
		}
	}
	return nil
}

// InActiveWindow reports whether t falls inside the schedule's active
// window. A schedule without a window is always active. Windows are
// half-open on hours: [start, end), and may wrap midnight.
func (s *Schedule) InActiveWindow(t time.Time) bool {
	if s.WindowStartHour == nil || s.WindowEndHour == nil {
		return true
	}
	hour := t.Hour()
	start, end := *s.WindowStartHour, *s.WindowEndHour
	if start < end {
		return hour >= start && hour < end
	}
	// Wraps midnight, e.g. 22 -> 6
	return hour >= start || hour < end
}
