package schedule

import (
	"database/sql"
	"time"

	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/internal/id"
)

// ExecutionStore handles persistence of the execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, schedule_id, owner_id, trigger_kind,
	       started_at, completed_at, success, items_processed,
	       error_message, created_at, updated_at`

// Create records the start of a run. The record stays open
// (completed_at null) until Finalize.
func (s *ExecutionStore) Create(exec *Execution) error {
	if exec.ID == "" {
		exec.ID = id.NewExecutionID()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	query := `
		INSERT INTO schedule_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, NULL, 0, 0, NULL, ?, ?)
	`

	_, err := s.db.Exec(query,
		exec.ID,
		exec.ScheduleID,
		exec.OwnerID,
		exec.TriggerKind,
		exec.StartedAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution record")
	}

	return nil
}

// Finalize closes an open execution with its outcome. The completed_at
// guard makes finalization happen at most once; a second call is a
// conflict, keeping the history append-only.
func (s *ExecutionStore) Finalize(executionID string, completedAt time.Time, success bool, itemsProcessed int, errorMessage *string) error {
	query := `
		UPDATE schedule_executions
		SET completed_at = ?,
		    success = ?,
		    items_processed = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND completed_at IS NULL
	`

	result, err := s.db.Exec(query,
		completedAt.UTC().Format(time.RFC3339),
		success,
		itemsProcessed,
		errorMessage,
		time.Now().UTC().Format(time.RFC3339),
		executionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to finalize execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s is not open", executionID)
	}
	return nil
}

// Get retrieves an execution by ID
func (s *ExecutionStore) Get(executionID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM schedule_executions WHERE id = ?`

	exec, err := scanExecution(s.db.QueryRow(query, executionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("execution " + executionID)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", executionID)
	}
	return exec, nil
}

// ListBySchedule returns executions for a schedule, newest first
func (s *ExecutionStore) ListBySchedule(scheduleID string, limit, offset int) ([]*Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + executionColumns + `
		FROM schedule_executions
		WHERE schedule_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.Query(query, scheduleID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// HasOpenExecution reports whether the schedule has an unfinished run.
// Used as the reentrancy guard: a schedule with an open execution is
// never fired again until that run finalizes.
func (s *ExecutionStore) HasOpenExecution(scheduleID string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM schedule_executions
		WHERE schedule_id = ? AND completed_at IS NULL
	`

	var count int
	if err := s.db.QueryRow(query, scheduleID).Scan(&count); err != nil {
		return false, errors.Wrap(err, "failed to check for open execution")
	}
	return count > 0, nil
}

// FailOrphaned finalizes every open execution as failed. Called once at
// startup: an execution left open across a restart can never complete,
// and would otherwise block its schedule forever.
func (s *ExecutionStore) FailOrphaned(now time.Time) (int, error) {
	query := `
		UPDATE schedule_executions
		SET completed_at = ?,
		    success = 0,
		    error_message = 'interrupted by process restart',
		    updated_at = ?
		WHERE completed_at IS NULL
	`

	ts := now.UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, ts, ts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fail orphaned executions")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// DeleteOlderThan prunes finalized history entries older than cutoff
func (s *ExecutionStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	query := `
		DELETE FROM schedule_executions
		WHERE completed_at IS NOT NULL AND started_at < ?
	`

	result, err := s.db.Exec(query, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var startedAt, createdAt, updatedAt string
	var completedAt, errorMessage sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.ScheduleID,
		&exec.OwnerID,
		&exec.TriggerKind,
		&startedAt,
		&completedAt,
		&exec.Success,
		&exec.ItemsProcessed,
		&errorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for execution %s", exec.ID)
	}
	exec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ID)
	}
	exec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ID)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for execution %s", exec.ID)
		}
		exec.CompletedAt = &t
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}

	return &exec, nil
}
