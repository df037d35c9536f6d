package batch

import "context"

// UnitPlan describes one sub-item of a work item and the ordered steps
// it takes, e.g. one dispenser and its fuel grades.
type UnitPlan struct {
	Name  string
	Steps []string
}

// Runner is the seam to the external automation collaborator. The
// executor treats planning and step execution as opaque; site-specific
// form filling lives behind this interface.
type Runner interface {
	// Plan returns the ordered units and steps for a work item
	Plan(ctx context.Context, job *Job) ([]UnitPlan, error)

	// Open acquires the expensive per-job resource (typically a browser
	// session). The executor guarantees exactly one Close per Open,
	// whatever happens to the job.
	Open(ctx context.Context, job *Job) (Session, error)
}

// Session performs the automation steps for one job
type Session interface {
	// RunStep performs one atomic automation step and may return a
	// human-readable note for the progress snapshot
	RunStep(ctx context.Context, unit, step string) (note string, err error)

	// Close releases the session's resources
	Close() error
}
