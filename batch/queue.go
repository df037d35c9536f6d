package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/errors"
)

// Event types published by the queue
const (
	EventBatchSubmitted = "batch_submitted"
	EventBatchPaused    = "batch_paused"
	EventBatchResumed   = "batch_resumed"
	EventBatchCancelled = "batch_cancelled"
	EventBatchCompleted = "batch_completed"
	EventJobStarted     = "job_started"
	EventJobProgress    = "job_progress"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventJobRequeued    = "job_requeued"
	EventJobCancelled   = "job_cancelled"
)

// Event notifies subscribers of batch and job state changes
type Event struct {
	Type    string    `json:"type"`
	BatchID string    `json:"batch_id"`
	JobID   string    `json:"job_id,omitempty"`
	At      time.Time `json:"at"`
}

// BatchProgress is the snapshot returned to external observers
type BatchProgress struct {
	BatchID string            `json:"batch_id"`
	Status  BatchStatus       `json:"status"`
	Counts  map[JobStatus]int `json:"counts"`
	Jobs    []JobSnapshot     `json:"jobs"`
}

// Queue is the control surface of the batch engine: submission,
// pause/resume/cancel, progress reads, and event subscription. Workers
// pull from the store; the queue never dispatches directly.
type Queue struct {
	store    *Store
	registry *Registry
	logger   *zap.SugaredLogger

	// maxAttempts is stamped onto submitted jobs
	maxAttempts int

	mu              sync.RWMutex
	cancelRequested map[string]bool
	subscribers     map[chan Event]bool
}

// NewQueue creates a batch queue
func NewQueue(store *Store, registry *Registry, maxAttempts int, logger *zap.SugaredLogger) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		store:           store,
		registry:        registry,
		logger:          logger,
		maxAttempts:     maxAttempts,
		cancelRequested: make(map[string]bool),
		subscribers:     make(map[chan Event]bool),
	}
}

// Submit enqueues a new batch of jobs. A submission whose idempotency
// key matches a still-active batch is rejected with a conflict.
func (q *Queue) Submit(idempotencyKey string, specs []JobSpec) (*Batch, []*Job, error) {
	if idempotencyKey == "" {
		return nil, nil, errors.NewInvalidRequestError("idempotency key must not be empty")
	}
	if len(specs) == 0 {
		return nil, nil, errors.NewInvalidRequestError("batch must contain at least one job")
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, nil, err
		}
	}

	existing, err := q.store.FindActiveByKey(idempotencyKey)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, errors.Wrapf(errors.ErrConflict,
			"batch %s with key %q is still active", existing.ID, idempotencyKey)
	}

	batch := &Batch{IdempotencyKey: idempotencyKey}
	jobs, err := q.store.CreateBatch(batch, specs, q.maxAttempts)
	if err != nil {
		return nil, nil, err
	}

	q.logger.Infow("Batch submitted",
		"batch_id", batch.ID,
		"idempotency_key", idempotencyKey,
		"jobs", len(jobs))
	q.publish(Event{Type: EventBatchSubmitted, BatchID: batch.ID})

	return batch, jobs, nil
}

// Pause stops dispatching new jobs from a batch. Jobs already running
// finish their current unit and return to the queue without spending
// an attempt. Pausing an already-paused batch is a no-op.
func (q *Queue) Pause(batchID string) error {
	batch, err := q.store.GetBatch(batchID)
	if err != nil {
		return err
	}

	switch batch.Status {
	case BatchStatusPaused:
		return nil
	case BatchStatusRunning:
	default:
		return errors.Wrapf(errors.ErrConflict, "batch %s is %s", batchID, batch.Status)
	}

	if err := q.store.SetBatchStatus(batchID, BatchStatusRunning, BatchStatusPaused); err != nil {
		return err
	}

	q.logger.Infow("Batch paused", "batch_id", batchID)
	q.publish(Event{Type: EventBatchPaused, BatchID: batchID})
	return nil
}

// Resume re-enables dispatch for a paused batch. Resuming a running
// batch is a no-op.
func (q *Queue) Resume(batchID string) error {
	batch, err := q.store.GetBatch(batchID)
	if err != nil {
		return err
	}

	switch batch.Status {
	case BatchStatusRunning:
		return nil
	case BatchStatusPaused:
	default:
		return errors.Wrapf(errors.ErrConflict, "batch %s is %s", batchID, batch.Status)
	}

	if err := q.store.SetBatchStatus(batchID, BatchStatusPaused, BatchStatusRunning); err != nil {
		return err
	}

	q.logger.Infow("Batch resumed", "batch_id", batchID)
	q.publish(Event{Type: EventBatchResumed, BatchID: batchID})
	return nil
}

// CancelBatch cancels a batch: queued jobs are cancelled immediately,
// running jobs at their next unit boundary. Cancelling an already
// cancelled batch is a no-op.
func (q *Queue) CancelBatch(batchID string) error {
	batch, err := q.store.GetBatch(batchID)
	if err != nil {
		return err
	}

	switch batch.Status {
	case BatchStatusCancelled:
		return nil
	case BatchStatusCompleted:
		return errors.Wrapf(errors.ErrConflict, "batch %s already completed", batchID)
	}

	if err := q.store.SetBatchStatus(batchID, batch.Status, BatchStatusCancelled); err != nil {
		return err
	}

	cancelled, err := q.store.CancelQueuedJobs(batchID)
	if err != nil {
		return err
	}

	// Running jobs are finalized cooperatively by their worker
	jobs, err := q.store.ListJobs(batchID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	for _, job := range jobs {
		if job.Status == JobStatusRunning {
			q.cancelRequested[job.ID] = true
		}
	}
	q.mu.Unlock()

	q.logger.Infow("Batch cancelled",
		"batch_id", batchID,
		"queued_cancelled", cancelled)
	q.publish(Event{Type: EventBatchCancelled, BatchID: batchID})
	return nil
}

// CancelJob cancels a single job. A queued job is cancelled
// immediately; a running job at its next unit boundary. Cancelling an
// already-cancelled job is a no-op.
func (q *Queue) CancelJob(jobID string) error {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case JobStatusCancelled:
		return nil
	case JobStatusCompleted, JobStatusFailed:
		return errors.Wrapf(errors.ErrConflict, "job %s already %s", jobID, job.Status)
	case JobStatusQueued:
		if err := q.store.CancelQueuedJob(jobID); err != nil {
			return err
		}
		q.publish(Event{Type: EventJobCancelled, BatchID: job.BatchID, JobID: jobID})
		return nil
	case JobStatusRunning:
		q.mu.Lock()
		q.cancelRequested[jobID] = true
		q.mu.Unlock()
		q.logger.Infow("Job cancellation requested", "job_id", jobID)
		return nil
	}
	return nil
}

// CancelRequested reports whether a cooperative cancel is pending for
// a job. Checked by workers between units.
func (q *Queue) CancelRequested(jobID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cancelRequested[jobID]
}

// ClearCancelRequest removes a job's pending cancel flag once honored
func (q *Queue) ClearCancelRequest(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelRequested, jobID)
}

// GetBatch retrieves a batch by ID
func (q *Queue) GetBatch(batchID string) (*Batch, error) {
	return q.store.GetBatch(batchID)
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(jobID string) (*Job, error) {
	return q.store.GetJob(jobID)
}

// GetProgress returns the batch progress snapshot. Registry entries
// carry the freshest in-flight state; jobs the registry has not seen
// (or already evicted) fall back to their stored state.
func (q *Queue) GetProgress(batchID string) (*BatchProgress, error) {
	batch, err := q.store.GetBatch(batchID)
	if err != nil {
		return nil, err
	}

	jobs, err := q.store.ListJobs(batchID)
	if err != nil {
		return nil, err
	}

	counts := make(map[JobStatus]int)
	snaps := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		counts[job.Status]++
		if snap, ok := q.registry.Get(job.ID); ok {
			snaps = append(snaps, snap)
			continue
		}
		snap := JobSnapshot{
			JobID:        job.ID,
			BatchID:      job.BatchID,
			WorkItemRef:  job.WorkItemRef,
			Status:       job.Status,
			AttemptCount: job.AttemptCount,
			Units:        copyUnits(job.Units),
			UpdatedAt:    job.UpdatedAt,
		}
		if job.Error != nil {
			snap.Message = *job.Error
		}
		snaps = append(snaps, snap)
	}

	return &BatchProgress{
		BatchID: batch.ID,
		Status:  batch.Status,
		Counts:  counts,
		Jobs:    snaps,
	}, nil
}

// Subscribe returns a channel of queue events. Slow subscribers miss
// events rather than blocking the engine.
func (q *Queue) Subscribe() chan Event {
	ch := make(chan Event, 64)
	q.mu.Lock()
	q.subscribers[ch] = true
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an event channel
func (q *Queue) Unsubscribe(ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subscribers[ch] {
		delete(q.subscribers, ch)
		close(ch)
	}
}

func (q *Queue) publish(event Event) {
	event.At = time.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()
	for ch := range q.subscribers {
		select {
		case ch <- event:
		default:
			// Drop rather than block on a slow subscriber
		}
	}
}
