package batch

import (
	"database/sql"
	"time"

	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/internal/id"
)

// Store handles persistence of batches and their jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new batch store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, batch_id, work_item_ref, position, status,
	       attempt_count, max_attempts, resuming, next_attempt_at,
	       progress, error, created_at, started_at, completed_at, updated_at`

// CreateBatch persists a batch and its jobs in one transaction. Jobs
// are numbered by position in submission order.
func (s *Store) CreateBatch(batch *Batch, specs []JobSpec, maxAttempts int) ([]*Job, error) {
	if batch.ID == "" {
		batch.ID = id.NewBatchID()
	}
	now := time.Now().UTC()
	batch.Status = BatchStatusRunning
	batch.CreatedAt = now
	batch.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO batches (id, idempotency_key, status, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`,
		batch.ID,
		batch.IdempotencyKey,
		batch.Status,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create batch")
	}

	jobs := make([]*Job, 0, len(specs))
	for i, spec := range specs {
		job := &Job{
			ID:          id.NewJobID(),
			BatchID:     batch.ID,
			WorkItemRef: spec.WorkItemRef,
			Position:    i,
			Status:      JobStatusQueued,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		_, err = tx.Exec(`
			INSERT INTO batch_jobs (
				id, batch_id, work_item_ref, position, status,
				attempt_count, max_attempts, resuming, next_attempt_at,
				progress, error, created_at, started_at, completed_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, ?, 0, NULL, NULL, NULL, ?, NULL, NULL, ?)
		`,
			job.ID,
			job.BatchID,
			job.WorkItemRef,
			job.Position,
			job.Status,
			job.MaxAttempts,
			now.Format(time.RFC3339),
			now.Format(time.RFC3339),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create job for %s", spec.WorkItemRef)
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit batch")
	}
	return jobs, nil
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(batchID string) (*Batch, error) {
	query := `
		SELECT id, idempotency_key, status, created_at, updated_at, completed_at
		FROM batches WHERE id = ?
	`

	var batch Batch
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := s.db.QueryRow(query, batchID).Scan(
		&batch.ID,
		&batch.IdempotencyKey,
		&batch.Status,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("batch " + batchID)
		}
		return nil, errors.Wrapf(err, "failed to get batch %s", batchID)
	}

	batch.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for batch %s", batchID)
	}
	batch.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for batch %s", batchID)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for batch %s", batchID)
		}
		batch.CompletedAt = &t
	}

	return &batch, nil
}

// FindActiveByKey returns the active batch holding an idempotency key,
// or nil when the key is free.
func (s *Store) FindActiveByKey(key string) (*Batch, error) {
	query := `
		SELECT id FROM batches
		WHERE idempotency_key = ? AND status IN (?, ?)
		LIMIT 1
	`

	var batchID string
	err := s.db.QueryRow(query, key, BatchStatusRunning, BatchStatusPaused).Scan(&batchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up idempotency key")
	}
	return s.GetBatch(batchID)
}

// SetBatchStatus transitions a batch between statuses, guarded by the
// expected current status.
func (s *Store) SetBatchStatus(batchID string, from, to BatchStatus) error {
	query := `
		UPDATE batches
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.Exec(query, to, time.Now().UTC().Format(time.RFC3339), batchID, from)
	if err != nil {
		return errors.Wrap(err, "failed to update batch status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "batch %s is not %s", batchID, from)
	}
	return nil
}

// CompleteBatch marks a batch finished once all its jobs are terminal
func (s *Store) CompleteBatch(batchID string, completedAt time.Time) error {
	query := `
		UPDATE batches
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	ts := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(query,
		BatchStatusCompleted,
		completedAt.UTC().Format(time.RFC3339),
		ts,
		batchID,
		BatchStatusRunning,
		BatchStatusPaused,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete batch")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("job " + jobID)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}
	return job, nil
}

// ListJobs returns all jobs of a batch in position order
func (s *Store) ListJobs(batchID string) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM batch_jobs
		WHERE batch_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.Query(query, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextJob pulls the next runnable job: the lowest-position queued
// job of the oldest running batch whose backoff has elapsed. Returns
// nil when nothing is runnable. The claim transitions the job to
// running; a retried attempt bumps attempt_count, a resuming job does
// not.
func (s *Store) ClaimNextJob(now time.Time) (*Job, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	for {
		query := `
			SELECT j.id FROM batch_jobs j
			JOIN batches b ON b.id = j.batch_id
			WHERE j.status = ? AND b.status = ?
			  AND (j.next_attempt_at IS NULL OR j.next_attempt_at <= ?)
			ORDER BY b.created_at ASC, j.position ASC
			LIMIT 1
		`

		var jobID string
		err := s.db.QueryRow(query, JobStatusQueued, BatchStatusRunning, nowStr).Scan(&jobID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to find next job")
		}

		result, err := s.db.Exec(`
			UPDATE batch_jobs
			SET status = ?,
			    attempt_count = attempt_count + (1 - resuming),
			    resuming = 0,
			    next_attempt_at = NULL,
			    started_at = COALESCE(started_at, ?),
			    updated_at = ?
			WHERE id = ? AND status = ?
		`, JobStatusRunning, nowStr, nowStr, jobID, JobStatusQueued)
		if err != nil {
			return nil, errors.Wrap(err, "failed to claim job")
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if rows == 0 {
			// Another worker claimed it first, try the next one
			continue
		}

		return s.GetJob(jobID)
	}
}

// SaveJobProgress persists a job's progress tree. Called after every
// completed step so a restart can resume from the last completed unit.
func (s *Store) SaveJobProgress(jobID string, units []UnitProgress) error {
	progress, err := marshalUnits(units)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE batch_jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, nullable(progress), time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to save job progress")
	}
	return nil
}

// CompleteJob marks a running job completed
func (s *Store) CompleteJob(jobID string, units []UnitProgress) error {
	return s.finishJob(jobID, JobStatusCompleted, units, nil)
}

// FailJob marks a running job failed with its captured error
func (s *Store) FailJob(jobID string, units []UnitProgress, errorMessage string) error {
	return s.finishJob(jobID, JobStatusFailed, units, &errorMessage)
}

// CancelRunningJob finalizes a running job as cancelled at a unit
// boundary, keeping the progress it made.
func (s *Store) CancelRunningJob(jobID string, units []UnitProgress) error {
	return s.finishJob(jobID, JobStatusCancelled, units, nil)
}

func (s *Store) finishJob(jobID string, status JobStatus, units []UnitProgress, errorMessage *string) error {
	progress, err := marshalUnits(units)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, progress = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, status, nullable(progress), errorMessage, now, now, jobID, JobStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s", status)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not running", jobID)
	}
	return nil
}

// RequeueForRetry returns a transiently failed job to the queue with a
// backoff delay. The attempt already consumed is kept; the next claim
// counts a fresh one.
func (s *Store) RequeueForRetry(jobID string, nextAttemptAt time.Time, errorMessage string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, resuming = 0, next_attempt_at = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, JobStatusQueued, nextAttemptAt.UTC().Format(time.RFC3339), errorMessage, now, jobID, JobStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to requeue job for retry")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not running", jobID)
	}
	return nil
}

// RequeueResuming returns a paused running job to the queue without
// spending an attempt. The saved progress lets the next claim resume
// from the last completed unit.
func (s *Store) RequeueResuming(jobID string, units []UnitProgress) error {
	progress, err := marshalUnits(units)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, resuming = 1, progress = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, JobStatusQueued, nullable(progress), now, jobID, JobStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to requeue resuming job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not running", jobID)
	}
	return nil
}

// CancelQueuedJob cancels a job that has not started running
func (s *Store) CancelQueuedJob(jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, JobStatusCancelled, now, now, jobID, JobStatusQueued)
	if err != nil {
		return errors.Wrap(err, "failed to cancel queued job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not queued", jobID)
	}
	return nil
}

// CancelQueuedJobs cancels every not-yet-started job of a batch and
// returns how many were cancelled.
func (s *Store) CancelQueuedJobs(batchID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE batch_id = ? AND status = ?
	`, JobStatusCancelled, now, now, batchID, JobStatusQueued)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cancel queued jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CountOpenJobs returns the number of non-terminal jobs in a batch
func (s *Store) CountOpenJobs(batchID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM batch_jobs
		WHERE batch_id = ? AND status IN (?, ?, ?)
	`

	var count int
	err := s.db.QueryRow(query, batchID, JobStatusQueued, JobStatusRunning, JobStatusPaused).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count open jobs")
	}
	return count, nil
}

// JobCounts returns the per-status job counts for a batch
func (s *Store) JobCounts(batchID string) (map[JobStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM batch_jobs WHERE batch_id = ? GROUP BY status
	`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// GlobalJobCounts returns queued and running job counts across all
// batches, for worker pool monitoring.
func (s *Store) GlobalJobCounts() (queued, running int, err error) {
	err = s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM batch_jobs
	`, JobStatusQueued, JobStatusRunning).Scan(&queued, &running)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return queued, running, nil
}

// RecoverOrphanedJobs requeues jobs left running by a previous process.
// Their persisted progress lets them resume from the last completed
// unit without spending an attempt; in-memory state is never trusted
// across a restart.
func (s *Store) RecoverOrphanedJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE batch_jobs
		SET status = ?, resuming = 1, updated_at = ?
		WHERE status = ?
	`, JobStatusQueued, now, JobStatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var nextAttemptAt, progress, jobError, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.WorkItemRef,
		&job.Position,
		&job.Status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.Resuming,
		&nextAttemptAt,
		&progress,
		&jobError,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if nextAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339, nextAttemptAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_attempt_at for job %s", job.ID)
		}
		job.NextAttemptAt = &t
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339, startedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse started_at for job %s", job.ID)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for job %s", job.ID)
		}
		job.CompletedAt = &t
	}
	if progress.Valid {
		job.Units, err = unmarshalUnits(progress.String)
		if err != nil {
			return nil, err
		}
	}
	if jobError.Valid {
		job.Error = &jobError.String
	}

	return &job, nil
}
