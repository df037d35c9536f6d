package schedule

import (
	"context"
	"sync"

	"github.com/fieldsync/fieldsync/errors"
)

// TaskRunner performs one run of a schedule's task. The scheduler
// treats the call as opaque and blocking; runners must honor ctx
// cancellation during long operations.
type TaskRunner interface {
	// Run executes the task and reports how many items it processed
	Run(ctx context.Context, sched *Schedule, trigger string) (itemsProcessed int, err error)
}

// TaskRunnerFunc adapts a function to the TaskRunner interface
type TaskRunnerFunc func(ctx context.Context, sched *Schedule, trigger string) (int, error)

// Run implements TaskRunner
func (f TaskRunnerFunc) Run(ctx context.Context, sched *Schedule, trigger string) (int, error) {
	return f(ctx, sched, trigger)
}

// RunnerRegistry maps task kinds to their runners
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]TaskRunner
}

// NewRunnerRegistry creates an empty registry
func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[string]TaskRunner)}
}

// Register installs a runner for a task kind, replacing any previous one
func (r *RunnerRegistry) Register(taskKind string, runner TaskRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[taskKind] = runner
}

// Get returns the runner for a task kind
func (r *RunnerRegistry) Get(taskKind string) (TaskRunner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[taskKind]
	if !ok {
		return nil, errors.Newf("no runner registered for task kind %q", taskKind)
	}
	return runner, nil
}

// Kinds returns the registered task kinds
func (r *RunnerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.runners))
	for kind := range r.runners {
		kinds = append(kinds, kind)
	}
	return kinds
}
