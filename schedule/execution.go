package schedule

import "time"

// Execution is one entry in the append-only run history of a schedule.
// It is created when the run starts and finalized exactly once when the
// run completes or fails; finalized records are never mutated.
type Execution struct {
	ID          string `json:"id"`
	ScheduleID  string `json:"schedule_id"`
	OwnerID     string `json:"owner_id"`
	TriggerKind string `json:"trigger_kind"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Success        bool    `json:"success"`
	ItemsProcessed int     `json:"items_processed"`
	ErrorMessage   *string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the execution has not been finalized yet
func (e *Execution) Open() bool {
	return e.CompletedAt == nil
}

// Duration returns the run duration, or elapsed time so far for an
// open execution.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}
