package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/errors"
	fieldsynctesting "github.com/fieldsync/fieldsync/internal/testing"
	"github.com/fieldsync/fieldsync/internal/util"
)

func TestStoreCreateAndGet(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	sched.WindowStartHour = util.Ptr(8)
	sched.WindowEndHour = util.Ptr(18)
	require.NoError(t, store.Create(sched))
	require.NotEmpty(t, sched.ID)

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, sched.OwnerID, got.OwnerID)
	assert.Equal(t, TaskKindWorkOrderSync, got.TaskKind)
	assert.Equal(t, 3600, got.IntervalSeconds)
	require.NotNil(t, got.WindowStartHour)
	assert.Equal(t, 8, *got.WindowStartHour)
	require.NotNil(t, got.WindowEndHour)
	assert.Equal(t, 18, *got.WindowEndHour)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, got.ManualPending)
}

func TestStoreGetNotFound(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get("sch_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreCreateRejectsInvalidInterval(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Minute)
	sched.ID = ""
	require.Error(t, store.Create(sched))
}

func TestStoreListByOwner(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	for i := 0; i < 3; i++ {
		sched := testSchedule(time.Hour)
		sched.ID = ""
		require.NoError(t, store.Create(sched))
	}
	other := testSchedule(time.Hour)
	other.ID = ""
	other.OwnerID = "owner-b"
	require.NoError(t, store.Create(other))

	schedules, err := store.ListByOwner("owner-a")
	require.NoError(t, err)
	assert.Len(t, schedules, 3)
}

func TestStoreListEnabled(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	enabled := testSchedule(time.Hour)
	enabled.ID = ""
	require.NoError(t, store.Create(enabled))

	disabled := testSchedule(time.Hour)
	disabled.ID = ""
	disabled.Enabled = false
	require.NoError(t, store.Create(disabled))

	schedules, err := store.ListEnabledContext(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, enabled.ID, schedules[0].ID)
}

func TestStoreTriggerNow(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	now := time.Now()
	require.NoError(t, store.TriggerNow(sched.ID, now))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualPending)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, now, *got.NextRunAt, time.Second)
}

func TestStoreUpdateAfterRun(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))

	fired, err := store.Get(sched.ID)
	require.NoError(t, err)

	lastRun := time.Now()
	nextRun := lastRun.Add(time.Hour)
	require.NoError(t, store.UpdateAfterRun(sched.ID, fired.UpdatedAt, lastRun, nextRun, 0))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, lastRun, *got.LastRunAt, time.Second)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, nextRun, *got.NextRunAt, time.Second)
	assert.False(t, got.ManualPending, "manual flag cleared after run")
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestStoreUpdateAfterRunConflict(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	// Stale updated_at must not advance the cursor
	stale := time.Now().Add(-time.Hour)
	err := store.UpdateAfterRun(sched.ID, stale, time.Now(), time.Now().Add(time.Hour), 0)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestStoreSetEnabledResetsFailures(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateAfterRun(sched.ID, got.UpdatedAt, time.Now(), time.Now().Add(time.Hour), 5))

	require.NoError(t, store.SetEnabled(sched.ID, false))
	got, err = store.Get(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 5, got.ConsecutiveFailures, "disable keeps the failure count")

	require.NoError(t, store.SetEnabled(sched.ID, true))
	got, err = store.Get(sched.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 0, got.ConsecutiveFailures, "re-enable resets the failure count")
}

func TestStoreDelete(t *testing.T) {
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	require.NoError(t, store.Delete(sched.ID))

	_, err := store.Get(sched.ID)
	assert.True(t, errors.IsNotFoundError(err))

	err = store.Delete(sched.ID)
	assert.True(t, errors.IsNotFoundError(err))
}
