// Package batch implements the automation batch engine: a durable FIFO
// job queue, a bounded worker pool that drives each job through its
// unit/step sequence, and an in-memory progress registry polled by
// external observers.
package batch

import (
	"encoding/json"
	"time"

	"github.com/fieldsync/fieldsync/errors"
)

// JobStatus represents the state of an automation job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Step statuses within a job's progress tree
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// StepProgress is the finest-grained unit of observable progress,
// e.g. one fuel grade on one dispenser.
type StepProgress struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// UnitProgress is one sub-item of a job, e.g. one dispenser. Units
// execute strictly in sequence within a job.
type UnitProgress struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Steps  []StepProgress `json:"steps,omitempty"`
}

// Done reports whether every step of the unit finished
func (u *UnitProgress) Done() bool {
	return u.Status == StepDone || u.Status == StepSkipped
}

// Job is one unit of batch work, typically one work order to process
type Job struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	WorkItemRef string `json:"work_item_ref"`
	// Position fixes FIFO order within the batch
	Position int `json:"position"`

	Status       JobStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`

	// Resuming marks a job re-queued by pause or restart rather than by
	// a failed attempt. The next pull does not count a new attempt and
	// continues from the last completed unit.
	Resuming bool `json:"resuming"`

	// NextAttemptAt delays a retried job until the backoff elapses
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Units []UnitProgress `json:"units,omitempty"`

	Error *string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobSpec describes one job at batch submission time
type JobSpec struct {
	WorkItemRef string `json:"work_item_ref"`
}

// Validate checks a submission spec
func (s JobSpec) Validate() error {
	if s.WorkItemRef == "" {
		return errors.NewInvalidRequestError("work_item_ref must not be empty")
	}
	return nil
}

// marshalUnits serializes the progress tree for storage
func marshalUnits(units []UnitProgress) (string, error) {
	if len(units) == 0 {
		return "", nil
	}
	data, err := json.Marshal(units)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job progress")
	}
	return string(data), nil
}

func unmarshalUnits(data string) ([]UnitProgress, error) {
	if data == "" {
		return nil, nil
	}
	var units []UnitProgress
	if err := json.Unmarshal([]byte(data), &units); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job progress")
	}
	return units, nil
}
