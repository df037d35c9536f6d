package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/errors"
)

// ExecutionBroadcaster defines the interface for broadcasting execution
// events. This avoids a circular dependency between the schedule and
// server packages.
type ExecutionBroadcaster interface {
	BroadcastExecutionStarted(scheduleID, executionID, triggerKind string)
	BroadcastExecutionCompleted(scheduleID, executionID string, success bool, itemsProcessed int, durationMs int)
}

// Ticker is the scheduler loop. It wakes on a fixed tick, evaluates
// every enabled schedule, and fires the due ones through their task
// runners with bounded cross-schedule concurrency.
type Ticker struct {
	store       *Store
	execStore   *ExecutionStore
	runners     *RunnerRegistry
	broadcaster ExecutionBroadcaster
	logger      *zap.SugaredLogger

	interval       time.Duration
	failureCeiling int
	maxConcurrent  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	inFlight        map[string]bool
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the scheduler loop
type TickerConfig struct {
	// Interval is how often schedules are evaluated (default: 60s)
	Interval time.Duration
	// FailureCeiling skips schedules at or past this many consecutive
	// failures; zero disables the ceiling
	FailureCeiling int
	// MaxConcurrentRuns bounds how many schedules may fire in one tick
	MaxConcurrentRuns int
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:          60 * time.Second,
		FailureCeiling:    5,
		MaxConcurrentRuns: 4,
	}
}

// NewTicker creates a scheduler loop
func NewTicker(store *Store, execStore *ExecutionStore, runners *RunnerRegistry, broadcaster ExecutionBroadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, execStore, runners, broadcaster, cfg, log)
}

// NewTickerWithContext creates a scheduler loop with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, execStore *ExecutionStore, runners *RunnerRegistry, broadcaster ExecutionBroadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}

	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:          store,
		execStore:      execStore,
		runners:        runners,
		broadcaster:    broadcaster,
		logger:         log,
		interval:       cfg.Interval,
		failureCeiling: cfg.FailureCeiling,
		maxConcurrent:  cfg.MaxConcurrentRuns,
		ctx:            tickerCtx,
		cancel:         cancel,
		inFlight:       make(map[string]bool),
	}
}

// Start begins the scheduler loop. Executions left open by a previous
// process are finalized as failed before the first tick.
func (t *Ticker) Start() {
	if orphaned, err := t.execStore.FailOrphaned(time.Now()); err != nil {
		t.logger.Warnw("Failed to finalize orphaned executions", "error", err)
	} else if orphaned > 0 {
		t.logger.Infow("Finalized orphaned executions from previous run", "count", orphaned)
	}

	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler started",
		"interval", t.interval,
		"failure_ceiling", t.failureCeiling,
		"max_concurrent_runs", t.maxConcurrent)
}

// Stop gracefully stops the loop, waiting for in-flight runs to finish
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			// A tick error never terminates the loop
			if err := t.evaluateSchedules(tickTime); err != nil {
				t.logger.Warnw("Scheduler tick error", "error", err, "tick", tick)
			}
		}
	}
}

// evaluateSchedules runs the due check over every enabled schedule and
// fires the due ones. Cross-schedule concurrency is bounded by a
// semaphore; same-schedule reentrancy is blocked by the in-flight map
// and the open-execution check.
func (t *Ticker) evaluateSchedules(now time.Time) error {
	schedules, err := t.store.ListEnabledContext(t.ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list schedules")
	}

	if len(schedules) == 0 {
		return nil
	}

	sem := make(chan struct{}, t.maxConcurrent)
	var tickWG sync.WaitGroup

	for _, sched := range schedules {
		select {
		case <-t.ctx.Done():
			tickWG.Wait()
			return t.ctx.Err()
		default:
		}

		result := Evaluate(sched, now, t.failureCeiling)
		if !result.Due {
			if result.SkipReason == "disabled-by-failures" {
				t.logger.Debugw("Schedule disabled by failures",
					"schedule_id", sched.ID,
					"consecutive_failures", sched.ConsecutiveFailures)
			}
			continue
		}

		if !t.markInFlight(sched.ID) {
			continue
		}

		open, err := t.execStore.HasOpenExecution(sched.ID)
		if err != nil {
			t.clearInFlight(sched.ID)
			t.logger.Warnw("Failed to check for open execution",
				"schedule_id", sched.ID, "error", err)
			continue
		}
		if open {
			t.clearInFlight(sched.ID)
			t.logger.Debugw("Schedule already running, skipping",
				"schedule_id", sched.ID)
			continue
		}

		sem <- struct{}{}
		tickWG.Add(1)
		go func(sched *Schedule, trigger string) {
			defer func() {
				t.clearInFlight(sched.ID)
				<-sem
				tickWG.Done()
			}()
			t.fire(sched, trigger)
		}(sched, result.Trigger)
	}

	tickWG.Wait()
	return nil
}

func (t *Ticker) markInFlight(scheduleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[scheduleID] {
		return false
	}
	t.inFlight[scheduleID] = true
	return true
}

func (t *Ticker) clearInFlight(scheduleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, scheduleID)
}

// fire runs one due schedule end to end: open an execution record,
// invoke the runner, finalize the record, advance the run cursor.
// One schedule's failure never affects another.
func (t *Ticker) fire(sched *Schedule, trigger string) {
	startedAt := time.Now()

	execution := &Execution{
		ScheduleID:  sched.ID,
		OwnerID:     sched.OwnerID,
		TriggerKind: trigger,
		StartedAt:   startedAt,
	}
	if err := t.execStore.Create(execution); err != nil {
		t.logger.Errorw("Failed to create execution record",
			"schedule_id", sched.ID, "error", err)
		return
	}

	t.logger.Infow("Schedule firing",
		"schedule_id", sched.ID,
		"owner_id", sched.OwnerID,
		"task_kind", sched.TaskKind,
		"trigger", trigger,
		"execution_id", execution.ID)

	if t.broadcaster != nil {
		t.broadcaster.BroadcastExecutionStarted(sched.ID, execution.ID, trigger)
	}

	itemsProcessed, runErr := t.invokeRunner(sched, trigger)

	completedAt := time.Now()
	durationMs := int(completedAt.Sub(startedAt).Milliseconds())

	var errorMessage *string
	if runErr != nil {
		msg := runErr.Error()
		errorMessage = &msg
	}
	if err := t.execStore.Finalize(execution.ID, completedAt, runErr == nil, itemsProcessed, errorMessage); err != nil {
		t.logger.Errorw("Failed to finalize execution record",
			"execution_id", execution.ID, "error", err)
	}

	failures := 0
	if runErr != nil {
		failures = sched.ConsecutiveFailures + 1
	}
	nextRun := NextRunAfter(trigger, sched.LastRunAt, completedAt, sched.Interval())

	if err := t.store.UpdateAfterRun(sched.ID, sched.UpdatedAt, completedAt, nextRun, failures); err != nil {
		if errors.IsConflictError(err) {
			t.logger.Warnw("Schedule changed during run, cursor not advanced",
				"schedule_id", sched.ID)
		} else {
			t.logger.Errorw("Failed to update schedule after run",
				"schedule_id", sched.ID, "error", err)
		}
	}

	if runErr != nil {
		t.logger.Errorw("Schedule run failed",
			"schedule_id", sched.ID,
			"execution_id", execution.ID,
			"trigger", trigger,
			"attempt_failures", failures,
			"duration_ms", durationMs,
			"error", runErr)
		if t.failureCeiling > 0 && failures >= t.failureCeiling {
			t.logger.Warnw("Schedule reached failure ceiling, will be skipped until re-enabled",
				"schedule_id", sched.ID,
				"consecutive_failures", failures)
		}
	} else {
		t.logger.Infow("Schedule run completed",
			"schedule_id", sched.ID,
			"execution_id", execution.ID,
			"trigger", trigger,
			"items_processed", itemsProcessed,
			"duration_ms", durationMs,
			"next_run_at", nextRun.Format(time.RFC3339))
	}

	if t.broadcaster != nil {
		t.broadcaster.BroadcastExecutionCompleted(sched.ID, execution.ID, runErr == nil, itemsProcessed, durationMs)
	}
}

// invokeRunner calls the task runner with panic recovery. A panicking
// runner is recorded as a failed run, never a crashed daemon.
func (t *Ticker) invokeRunner(sched *Schedule, trigger string) (items int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task runner panicked: %v", r)
		}
	}()

	runner, err := t.runners.Get(sched.TaskKind)
	if err != nil {
		return 0, err
	}

	return runner.Run(t.ctx, sched, trigger)
}

// TickerStats is a snapshot of loop activity
type TickerStats struct {
	LastTickAt      time.Time     `json:"last_tick_at"`
	TicksSinceStart int64         `json:"ticks_since_start"`
	Interval        time.Duration `json:"interval"`
	InFlight        int           `json:"in_flight"`
}

// GetStats returns scheduler loop statistics
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TickerStats{
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		Interval:        t.interval,
		InFlight:        len(t.inFlight),
	}
}
