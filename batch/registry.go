package batch

import (
	"sync"
	"time"
)

// JobSnapshot is the externally observable progress of one job. It is
// a value copy; readers never share memory with the executor.
type JobSnapshot struct {
	JobID        string         `json:"job_id"`
	BatchID      string         `json:"batch_id"`
	WorkItemRef  string         `json:"work_item_ref"`
	Status       JobStatus      `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Message      string         `json:"message,omitempty"`
	Units        []UnitProgress `json:"units,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Registry caches the latest progress snapshot per job. The executor
// is the sole writer and replaces whole entries, so readers never see
// a half-written structure. It is a cache, not the source of truth:
// entries are evicted after the owning batch completes and do not
// survive a restart.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]JobSnapshot
	byBatch map[string]map[string]struct{}
	timers  map[string]*time.Timer
}

// NewRegistry creates an empty progress registry
func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]JobSnapshot),
		byBatch: make(map[string]map[string]struct{}),
		timers:  make(map[string]*time.Timer),
	}
}

// Set replaces a job's snapshot atomically (last writer wins)
func (r *Registry) Set(snap JobSnapshot) {
	snap.Units = copyUnits(snap.Units)
	snap.UpdatedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[snap.JobID] = snap
	jobs, ok := r.byBatch[snap.BatchID]
	if !ok {
		jobs = make(map[string]struct{})
		r.byBatch[snap.BatchID] = jobs
	}
	jobs[snap.JobID] = struct{}{}
}

// Get returns a copy of a job's snapshot
func (r *Registry) Get(jobID string) (JobSnapshot, bool) {
	r.mu.RLock()
	snap, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return JobSnapshot{}, false
	}
	snap.Units = copyUnits(snap.Units)
	return snap, true
}

// ListBatch returns copies of every snapshot belonging to a batch
func (r *Registry) ListBatch(batchID string) []JobSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobIDs, ok := r.byBatch[batchID]
	if !ok {
		return nil
	}

	snaps := make([]JobSnapshot, 0, len(jobIDs))
	for jobID := range jobIDs {
		snap := r.jobs[jobID]
		snap.Units = copyUnits(snap.Units)
		snaps = append(snaps, snap)
	}
	return snaps
}

// EvictBatchAfter schedules eviction of a completed batch's snapshots
// once the grace period expires, bounding registry memory. Scheduling
// again resets the timer.
func (r *Registry) EvictBatchAfter(batchID string, grace time.Duration) {
	if grace <= 0 {
		r.evictBatch(batchID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[batchID]; ok {
		timer.Stop()
	}
	r.timers[batchID] = time.AfterFunc(grace, func() {
		r.evictBatch(batchID)
	})
}

func (r *Registry) evictBatch(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for jobID := range r.byBatch[batchID] {
		delete(r.jobs, jobID)
	}
	delete(r.byBatch, batchID)
	if timer, ok := r.timers[batchID]; ok {
		timer.Stop()
		delete(r.timers, batchID)
	}
}

// Close stops all pending eviction timers
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for batchID, timer := range r.timers {
		timer.Stop()
		delete(r.timers, batchID)
	}
}

func copyUnits(units []UnitProgress) []UnitProgress {
	if units == nil {
		return nil
	}
	copied := make([]UnitProgress, len(units))
	for i, unit := range units {
		copied[i] = unit
		if unit.Steps != nil {
			copied[i].Steps = make([]StepProgress, len(unit.Steps))
			copy(copied[i].Steps, unit.Steps)
		}
	}
	return copied
}
