package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldsync/fieldsync/errors"
)

// ExecutorConfig contains configuration for the batch worker pool
type ExecutorConfig struct {
	// Workers is the number of concurrent workers; each holds one
	// automation session at a time (default: 2)
	Workers int
	// PollInterval is how often idle workers check for queued jobs
	PollInterval time.Duration
	// RetryBackoff delays a transiently failed job before its next
	// attempt becomes claimable
	RetryBackoff time.Duration
	// StepsPerSecond paces automation steps against the target site
	StepsPerSecond float64
	// RegistryGrace retains progress snapshots after a batch finishes
	RegistryGrace time.Duration
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Workers:        2,
		PollInterval:   2 * time.Second,
		RetryBackoff:   30 * time.Second,
		StepsPerSecond: 2,
		RegistryGrace:  5 * time.Minute,
	}
}

// Executor drives queued jobs through their unit/step sequence with a
// bounded worker pool. Units within a job run strictly in sequence;
// jobs across a batch have no mutual ordering. Pause and cancellation
// are honored cooperatively between units, never mid-step.
type Executor struct {
	store    *Store
	queue    *Queue
	registry *Registry
	runner   Runner
	logger   *zap.SugaredLogger
	cfg      ExecutorConfig

	// limiter paces steps across all workers so the automation target
	// never sees a burst
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
}

// NewExecutor creates a batch executor
func NewExecutor(store *Store, queue *Queue, registry *Registry, runner Runner, cfg ExecutorConfig, logger *zap.SugaredLogger) *Executor {
	return NewExecutorWithContext(context.Background(), store, queue, registry, runner, cfg, logger)
}

// NewExecutorWithContext creates a batch executor with a parent context
func NewExecutorWithContext(ctx context.Context, store *Store, queue *Queue, registry *Registry, runner Runner, cfg ExecutorConfig, logger *zap.SugaredLogger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StepsPerSecond <= 0 {
		cfg.StepsPerSecond = 1
	}

	execCtx, cancel := context.WithCancel(ctx)

	return &Executor{
		store:    store,
		queue:    queue,
		registry: registry,
		runner:   runner,
		logger:   logger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.StepsPerSecond), 1),
		ctx:      execCtx,
		cancel:   cancel,
	}
}

// Start recovers jobs orphaned by a previous process and launches the
// worker pool.
func (e *Executor) Start() {
	if recovered, err := e.store.RecoverOrphanedJobs(); err != nil {
		e.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if recovered > 0 {
		e.logger.Infow("Requeued jobs orphaned by previous run", "count", recovered)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Infow("Batch executor started",
		"workers", e.cfg.Workers,
		"poll_interval", e.cfg.PollInterval,
		"steps_per_second", e.cfg.StepsPerSecond)
}

// Stop gracefully stops the pool. Running jobs finish their current
// unit, requeue themselves, and are recovered on the next start.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Infow("Batch executor stopped")
}

func (e *Executor) worker(workerID int) {
	defer e.wg.Done()

	log := e.logger.With("worker", workerID)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		job, err := e.store.ClaimNextJob(time.Now())
		if err != nil {
			log.Warnw("Failed to claim next job", "error", err)
			e.sleep()
			continue
		}
		if job == nil {
			e.sleep()
			continue
		}

		e.mu.Lock()
		e.activeWorkers++
		e.mu.Unlock()

		e.runJob(job, log)

		e.mu.Lock()
		e.activeWorkers--
		e.mu.Unlock()
	}
}

func (e *Executor) sleep() {
	select {
	case <-e.ctx.Done():
	case <-time.After(e.cfg.PollInterval):
	}
}

type interrupt int

const (
	interruptNone interrupt = iota
	interruptPause
	interruptCancel
)

// checkInterrupt decides at a unit boundary whether the job should
// keep going, yield for a pause, or finalize as cancelled.
func (e *Executor) checkInterrupt(job *Job) interrupt {
	if e.queue.CancelRequested(job.ID) {
		return interruptCancel
	}

	batch, err := e.store.GetBatch(job.BatchID)
	if err != nil {
		e.logger.Warnw("Failed to check batch status", "batch_id", job.BatchID, "error", err)
		return interruptNone
	}
	switch batch.Status {
	case BatchStatusCancelled:
		return interruptCancel
	case BatchStatusPaused:
		return interruptPause
	}

	select {
	case <-e.ctx.Done():
		// Shutdown: yield like a pause so the job resumes cleanly
		return interruptPause
	default:
	}
	return interruptNone
}

// runJob drives one claimed job. Whatever the outcome, the automation
// session opened for the job is closed exactly once.
func (e *Executor) runJob(job *Job, log *zap.SugaredLogger) {
	log = log.With(
		"job_id", job.ID,
		"batch_id", job.BatchID,
		"work_item_ref", job.WorkItemRef,
		"attempt", job.AttemptCount)

	log.Infow("Job started")
	e.snapshot(job, JobStatusRunning, "", job.Units)
	e.queue.publish(Event{Type: EventJobStarted, BatchID: job.BatchID, JobID: job.ID})

	units := job.Units
	if len(units) == 0 {
		plans, err := e.runner.Plan(e.ctx, job)
		if err != nil {
			e.handleFailure(job, units, errors.Wrap(err, "failed to plan job"), log)
			return
		}
		units = make([]UnitProgress, len(plans))
		for i, plan := range plans {
			units[i] = UnitProgress{Name: plan.Name, Status: StepPending}
			for _, step := range plan.Steps {
				units[i].Steps = append(units[i].Steps, StepProgress{Name: step, Status: StepPending})
			}
		}
	}

	session, err := e.runner.Open(e.ctx, job)
	if err != nil {
		e.handleFailure(job, units, errors.Wrap(err, "failed to open automation session"), log)
		return
	}
	// Single cleanup path for the session, for every outcome
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			log.Warnw("Failed to close automation session", "error", closeErr)
		}
	}()

	for i := range units {
		unit := &units[i]
		if unit.Done() {
			// Already finished in an earlier attempt
			continue
		}

		switch e.checkInterrupt(job) {
		case interruptCancel:
			e.finalizeCancelled(job, units, log)
			return
		case interruptPause:
			e.yieldPaused(job, units, log)
			return
		}

		// A partially attempted unit restarts from its first step
		unit.Status = StepRunning
		for s := range unit.Steps {
			unit.Steps[s].Status = StepPending
			unit.Steps[s].Note = ""
		}

		for s := range unit.Steps {
			step := &unit.Steps[s]
			step.Status = StepRunning

			if err := e.limiter.Wait(e.ctx); err != nil {
				e.yieldPaused(job, units, log)
				return
			}

			note, err := session.RunStep(e.ctx, unit.Name, step.Name)
			if err != nil {
				step.Status = StepFailed
				step.Note = err.Error()
				unit.Status = StepFailed
				e.handleFailure(job, units, err, log)
				return
			}

			step.Status = StepDone
			step.Note = note
			e.saveProgress(job, units, log)
		}

		unit.Status = StepDone
		e.saveProgress(job, units, log)
	}

	if err := e.store.CompleteJob(job.ID, units); err != nil {
		log.Errorw("Failed to mark job completed", "error", err)
		return
	}
	e.snapshot(job, JobStatusCompleted, "", units)
	e.queue.publish(Event{Type: EventJobCompleted, BatchID: job.BatchID, JobID: job.ID})
	log.Infow("Job completed", "attempt_count", job.AttemptCount)

	e.maybeCompleteBatch(job.BatchID)
}

// handleFailure routes a failed attempt: transient failures with
// attempts left requeue after backoff, everything else finalizes the
// job as failed. A job's failure never touches its siblings.
func (e *Executor) handleFailure(job *Job, units []UnitProgress, err error, log *zap.SugaredLogger) {
	if IsTransient(err) && job.AttemptCount < job.MaxAttempts {
		nextAttempt := time.Now().Add(e.cfg.RetryBackoff)
		if requeueErr := e.store.RequeueForRetry(job.ID, nextAttempt, err.Error()); requeueErr != nil {
			log.Errorw("Failed to requeue job for retry", "error", requeueErr)
			return
		}
		e.snapshot(job, JobStatusQueued, err.Error(), units)
		e.queue.publish(Event{Type: EventJobRequeued, BatchID: job.BatchID, JobID: job.ID})
		log.Warnw("Job attempt failed, retry scheduled",
			"attempt", job.AttemptCount,
			"max_attempts", job.MaxAttempts,
			"next_attempt_at", nextAttempt.Format(time.RFC3339),
			"error", err)
		return
	}

	if failErr := e.store.FailJob(job.ID, units, err.Error()); failErr != nil {
		log.Errorw("Failed to mark job failed", "error", failErr)
		return
	}
	e.snapshot(job, JobStatusFailed, err.Error(), units)
	e.queue.publish(Event{Type: EventJobFailed, BatchID: job.BatchID, JobID: job.ID})
	log.Errorw("Job failed",
		"attempt", job.AttemptCount,
		"max_attempts", job.MaxAttempts,
		"error", err)

	e.maybeCompleteBatch(job.BatchID)
}

func (e *Executor) finalizeCancelled(job *Job, units []UnitProgress, log *zap.SugaredLogger) {
	if err := e.store.CancelRunningJob(job.ID, units); err != nil {
		log.Errorw("Failed to mark job cancelled", "error", err)
	}
	e.queue.ClearCancelRequest(job.ID)
	e.snapshot(job, JobStatusCancelled, "cancelled", units)
	e.queue.publish(Event{Type: EventJobCancelled, BatchID: job.BatchID, JobID: job.ID})
	log.Infow("Job cancelled")

	e.maybeCompleteBatch(job.BatchID)
}

// yieldPaused returns a running job to the queue at a unit boundary
// without spending an attempt.
func (e *Executor) yieldPaused(job *Job, units []UnitProgress, log *zap.SugaredLogger) {
	if err := e.store.RequeueResuming(job.ID, units); err != nil {
		log.Errorw("Failed to requeue paused job", "error", err)
		return
	}
	e.snapshot(job, JobStatusQueued, "paused", units)
	e.queue.publish(Event{Type: EventJobRequeued, BatchID: job.BatchID, JobID: job.ID})
	log.Infow("Job yielded at unit boundary")
}

// saveProgress persists and publishes the job's progress tree. This is
// the externally observable granularity: once per completed step.
func (e *Executor) saveProgress(job *Job, units []UnitProgress, log *zap.SugaredLogger) {
	if err := e.store.SaveJobProgress(job.ID, units); err != nil {
		log.Warnw("Failed to persist job progress", "error", err)
	}
	e.snapshot(job, JobStatusRunning, "", units)
	e.queue.publish(Event{Type: EventJobProgress, BatchID: job.BatchID, JobID: job.ID})
}

func (e *Executor) snapshot(job *Job, status JobStatus, message string, units []UnitProgress) {
	e.registry.Set(JobSnapshot{
		JobID:        job.ID,
		BatchID:      job.BatchID,
		WorkItemRef:  job.WorkItemRef,
		Status:       status,
		AttemptCount: job.AttemptCount,
		Message:      message,
		Units:        units,
	})
}

// maybeCompleteBatch finalizes the batch once its last job reaches a
// terminal state, and schedules registry eviction.
func (e *Executor) maybeCompleteBatch(batchID string) {
	open, err := e.store.CountOpenJobs(batchID)
	if err != nil {
		e.logger.Warnw("Failed to count open jobs", "batch_id", batchID, "error", err)
		return
	}
	if open > 0 {
		return
	}

	batch, err := e.store.GetBatch(batchID)
	if err != nil {
		e.logger.Warnw("Failed to get batch", "batch_id", batchID, "error", err)
		return
	}

	if batch.Status.Active() {
		if err := e.store.CompleteBatch(batchID, time.Now()); err != nil {
			e.logger.Errorw("Failed to complete batch", "batch_id", batchID, "error", err)
			return
		}
		e.queue.publish(Event{Type: EventBatchCompleted, BatchID: batchID})
		e.logger.Infow("Batch completed", "batch_id", batchID)
	}

	e.registry.EvictBatchAfter(batchID, e.cfg.RegistryGrace)
}
