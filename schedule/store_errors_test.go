package schedule

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/errors"
)

// These tests use sqlmock to exercise driver-level failure paths that
// an in-memory database cannot produce.

func TestGetWrapsQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .+ FROM schedules").
		WillReturnError(errors.New("database is locked"))

	store := NewStore(db)
	_, err = store.Get("sched_abc")
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAfterRunConflictOnZeroRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE schedules").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	now := time.Now().UTC()
	err = store.UpdateAfterRun("sched_abc", now.Add(-time.Minute), now, now.Add(time.Hour), 0)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerNowWrapsExecFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE schedules").
		WillReturnError(errors.New("disk I/O error"))

	store := NewStore(db)
	err = store.TriggerNow("sched_abc", time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to trigger schedule")
	require.NoError(t, mock.ExpectationsWereMet())
}
