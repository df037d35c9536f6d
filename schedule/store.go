package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/internal/id"
)

// Store handles persistence of schedules
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scheduleColumns = `id, owner_id, task_kind, interval_seconds,
	       window_start_hour, window_end_hour, enabled,
	       last_run_at, next_run_at, manual_pending,
	       consecutive_failures, created_at, updated_at`

// Create persists a new schedule, assigning its ID and timestamps
func (s *Store) Create(sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	if sched.ID == "" {
		sched.ID = id.NewScheduleID()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lastRunAt, nextRunAt interface{}
	if sched.LastRunAt != nil {
		lastRunAt = sched.LastRunAt.UTC().Format(time.RFC3339)
	}
	if sched.NextRunAt != nil {
		nextRunAt = sched.NextRunAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(query,
		sched.ID,
		sched.OwnerID,
		sched.TaskKind,
		sched.IntervalSeconds,
		sched.WindowStartHour,
		sched.WindowEndHour,
		sched.Enabled,
		lastRunAt,
		nextRunAt,
		sched.ManualPending,
		sched.ConsecutiveFailures,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}

	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(scheduleID string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`

	sched, err := scanSchedule(s.db.QueryRow(query, scheduleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("schedule " + scheduleID)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", scheduleID)
	}
	return sched, nil
}

// ListByOwner returns all schedules for one owner, newest first
func (s *Store) ListByOwner(ownerID string) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE owner_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(query, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// ListEnabledContext returns all enabled schedules for due evaluation.
// Limited to 500 schedules per tick.
func (s *Store) ListEnabledContext(ctx context.Context) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = 1
		ORDER BY next_run_at ASC
		LIMIT 500
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enabled schedules")
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// Update persists mutable definition fields (interval, window, enabled,
// task kind). Run cursors are owned by the scheduler and change only
// through TriggerNow, UpdateAfterRun, and SetEnabled.
func (s *Store) Update(sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE schedules
		SET task_kind = ?,
		    interval_seconds = ?,
		    window_start_hour = ?,
		    window_end_hour = ?,
		    enabled = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		sched.TaskKind,
		sched.IntervalSeconds,
		sched.WindowStartHour,
		sched.WindowEndHour,
		sched.Enabled,
		time.Now().UTC().Format(time.RFC3339),
		sched.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}

	return requireRowAffected(result, sched.ID)
}

// Delete removes a schedule. Its execution history is retained.
func (s *Store) Delete(scheduleID string) error {
	result, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, scheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	return requireRowAffected(result, scheduleID)
}

// TriggerNow requests an immediate manual run. The scheduler's own due
// check picks it up on the next tick.
func (s *Store) TriggerNow(scheduleID string, now time.Time) error {
	query := `
		UPDATE schedules
		SET next_run_at = ?,
		    manual_pending = 1,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		now.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to trigger schedule")
	}
	return requireRowAffected(result, scheduleID)
}

// SetEnabled flips the enabled flag. Re-enabling resets the consecutive
// failure counter so a schedule disabled by failures gets a fresh start.
func (s *Store) SetEnabled(scheduleID string, enabled bool) error {
	query := `
		UPDATE schedules
		SET enabled = ?,
		    consecutive_failures = CASE WHEN ? THEN 0 ELSE consecutive_failures END,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		enabled,
		enabled,
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule enabled state")
	}
	return requireRowAffected(result, scheduleID)
}

// UpdateAfterRun advances a schedule's run cursor after an execution
// finishes. The prevUpdatedAt guard is a compare-and-set: only the tick
// that fired the schedule may advance it, so two ticks can never
// double-apply the same completion.
func (s *Store) UpdateAfterRun(scheduleID string, prevUpdatedAt time.Time, lastRun, nextRun time.Time, consecutiveFailures int) error {
	query := `
		UPDATE schedules
		SET last_run_at = ?,
		    next_run_at = ?,
		    manual_pending = 0,
		    consecutive_failures = ?,
		    updated_at = ?
		WHERE id = ? AND updated_at = ?
	`

	result, err := s.db.Exec(query,
		lastRun.UTC().Format(time.RFC3339),
		nextRun.UTC().Format(time.RFC3339),
		consecutiveFailures,
		time.Now().UTC().Format(time.RFC3339),
		scheduleID,
		prevUpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule after run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "schedule %s changed since it was fired", scheduleID)
	}
	return nil
}

func requireRowAffected(result sql.Result, scheduleID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("schedule " + scheduleID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var windowStart, windowEnd sql.NullInt64
	var lastRunAt, nextRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sched.ID,
		&sched.OwnerID,
		&sched.TaskKind,
		&sched.IntervalSeconds,
		&windowStart,
		&windowEnd,
		&sched.Enabled,
		&lastRunAt,
		&nextRunAt,
		&sched.ManualPending,
		&sched.ConsecutiveFailures,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if windowStart.Valid {
		h := int(windowStart.Int64)
		sched.WindowStartHour = &h
	}
	if windowEnd.Valid {
		h := int(windowEnd.Int64)
		sched.WindowEndHour = &h
	}

	sched.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for schedule %s", sched.ID)
	}
	sched.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for schedule %s", sched.ID)
	}
	if lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339, lastRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run_at for schedule %s", sched.ID)
		}
		sched.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t, err := time.Parse(time.RFC3339, nextRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run_at for schedule %s", sched.ID)
		}
		sched.NextRunAt = &t
	}

	return &sched, nil
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}
