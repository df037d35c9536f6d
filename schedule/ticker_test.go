package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	fieldsynctesting "github.com/fieldsync/fieldsync/internal/testing"
)

func newTestTicker(t *testing.T, runner TaskRunner, ceiling int) (*Ticker, *Store, *ExecutionStore) {
	t.Helper()
	db := fieldsynctesting.CreateTestDB(t)
	store := NewStore(db)
	execStore := NewExecutionStore(db)

	registry := NewRunnerRegistry()
	if runner != nil {
		registry.Register(TaskKindWorkOrderSync, runner)
	}

	cfg := TickerConfig{
		Interval:          time.Minute,
		FailureCeiling:    ceiling,
		MaxConcurrentRuns: 2,
	}
	ticker := NewTicker(store, execStore, registry, nil, cfg, zap.NewNop().Sugar())
	return ticker, store, execStore
}

func TestTickerFiresManualTrigger(t *testing.T) {
	var calls atomic.Int32
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		calls.Add(1)
		assert.Equal(t, TriggerManual, trigger)
		return 7, nil
	})
	ticker, store, execStore := newTestTicker(t, runner, 5)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))

	require.NoError(t, ticker.evaluateSchedules(time.Now()))
	assert.Equal(t, int32(1), calls.Load())

	history, err := execStore.ListBySchedule(sched.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Open())
	assert.True(t, history[0].Success)
	assert.Equal(t, 7, history[0].ItemsProcessed)
	assert.Equal(t, TriggerManual, history[0].TriggerKind)

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.ManualPending)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestTickerNoDoubleFire(t *testing.T) {
	var calls atomic.Int32
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		calls.Add(1)
		return 0, nil
	})
	ticker, store, execStore := newTestTicker(t, runner, 5)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))

	// An open execution from a previous fire blocks the schedule
	blocking := &Execution{
		ScheduleID:  sched.ID,
		OwnerID:     sched.OwnerID,
		TriggerKind: TriggerManual,
		StartedAt:   time.Now(),
	}
	require.NoError(t, execStore.Create(blocking))

	require.NoError(t, ticker.evaluateSchedules(time.Now()))
	assert.Equal(t, int32(0), calls.Load())

	// Once it finalizes, the next tick fires normally
	require.NoError(t, execStore.Finalize(blocking.ID, time.Now(), true, 0, nil))
	require.NoError(t, ticker.evaluateSchedules(time.Now()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTickerRunnerFailureAccounting(t *testing.T) {
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		return 0, assert.AnError
	})
	ticker, store, execStore := newTestTicker(t, runner, 2)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	for i := 1; i <= 2; i++ {
		require.NoError(t, store.TriggerNow(sched.ID, time.Now()))
		require.NoError(t, ticker.evaluateSchedules(time.Now()))

		got, err := store.Get(sched.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.ConsecutiveFailures)
	}

	history, err := execStore.ListBySchedule(sched.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, exec := range history {
		assert.False(t, exec.Success)
		require.NotNil(t, exec.ErrorMessage)
	}

	// At the ceiling even an explicit trigger is skipped
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))
	require.NoError(t, ticker.evaluateSchedules(time.Now()))

	history, err = execStore.ListBySchedule(sched.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "no new execution past the failure ceiling")
}

func TestTickerRunnerPanicIsContained(t *testing.T) {
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		panic("runner exploded")
	})
	ticker, store, execStore := newTestTicker(t, runner, 5)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))

	require.NoError(t, ticker.evaluateSchedules(time.Now()))

	history, err := execStore.ListBySchedule(sched.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "panicked")

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestTickerManualRunPreservesCadence(t *testing.T) {
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		return 1, nil
	})
	ticker, store, _ := newTestTicker(t, runner, 5)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))

	// Last scheduled run finished ten minutes ago
	anchor := time.Now().Add(-10 * time.Minute)
	created, err := store.Get(sched.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateAfterRun(sched.ID, created.UpdatedAt, anchor, anchor.Add(time.Hour), 0))

	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))
	require.NoError(t, ticker.evaluateSchedules(time.Now()))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	// Next run stays anchored to the pre-manual cadence
	assert.WithinDuration(t, anchor.Add(time.Hour), *got.NextRunAt, 2*time.Second)
}

func TestTickerUnknownTaskKindFailsRun(t *testing.T) {
	ticker, store, execStore := newTestTicker(t, nil, 5)

	sched := testSchedule(time.Hour)
	sched.ID = ""
	require.NoError(t, store.Create(sched))
	require.NoError(t, store.TriggerNow(sched.ID, time.Now()))

	require.NoError(t, ticker.evaluateSchedules(time.Now()))

	history, err := execStore.ListBySchedule(sched.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "no runner registered")
}

func TestTickerStartRecoversOrphans(t *testing.T) {
	runner := TaskRunnerFunc(func(ctx context.Context, sched *Schedule, trigger string) (int, error) {
		return 0, nil
	})
	ticker, _, execStore := newTestTicker(t, runner, 5)

	orphan := &Execution{
		ScheduleID:  "sch_old",
		OwnerID:     "owner-a",
		TriggerKind: TriggerScheduled,
		StartedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, execStore.Create(orphan))

	ticker.Start()
	defer ticker.Stop()

	got, err := execStore.Get(orphan.ID)
	require.NoError(t, err)
	assert.False(t, got.Open())
	assert.False(t, got.Success)
}
