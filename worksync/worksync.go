// Package worksync implements the work_order_sync task: fetch the
// latest work orders for an owner from the external source and submit
// an automation batch for the ones that need processing.
package worksync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/batch"
	"github.com/fieldsync/fieldsync/credential"
	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/schedule"
)

// WorkOrder is one item fetched from the external source
type WorkOrder struct {
	// Ref is the opaque work order identifier used as the batch
	// job's work_item_ref
	Ref string
	// Summary is a short human-readable description
	Summary string
}

// OrderSource fetches work orders from the external system. The actual
// scraping lives behind this interface; fieldsync treats it as opaque.
type OrderSource interface {
	// FetchOrders returns work orders for the authenticated owner,
	// newer than since when since is non-nil
	FetchOrders(ctx context.Context, cred credential.Credential, since *time.Time) ([]WorkOrder, error)
}

// Runner is the schedule.TaskRunner for work order synchronization
type Runner struct {
	source      OrderSource
	credentials credential.Source
	queue       *batch.Queue
	logger      *zap.SugaredLogger
}

// NewRunner creates a work order sync runner
func NewRunner(source OrderSource, credentials credential.Source, queue *batch.Queue, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		source:      source,
		credentials: credentials,
		queue:       queue,
		logger:      logger,
	}
}

// Run fetches work orders for the schedule's owner and submits one
// automation job per order. Returns the number of orders fetched.
func (r *Runner) Run(ctx context.Context, sched *schedule.Schedule, trigger string) (int, error) {
	cred, err := r.credentials.Lookup(sched.OwnerID)
	if err != nil {
		return 0, errors.Wrapf(err, "no credential for owner %s", sched.OwnerID)
	}

	// Incremental fetch: only orders newer than the last completed run
	orders, err := r.source.FetchOrders(ctx, cred, sched.LastRunAt)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch work orders")
	}

	if len(orders) == 0 {
		r.logger.Infow("No new work orders",
			"owner_id", sched.OwnerID,
			"schedule_id", sched.ID)
		return 0, nil
	}

	specs := make([]batch.JobSpec, len(orders))
	for i, order := range orders {
		specs[i] = batch.JobSpec{WorkItemRef: order.Ref}
	}

	// One active batch per schedule: a new submission while the
	// previous batch is still working is deferred, not duplicated.
	submitted, jobs, err := r.queue.Submit("sync:"+sched.ID, specs)
	if err != nil {
		if errors.IsConflictError(err) {
			r.logger.Warnw("Previous batch still active, deferring new work orders",
				"schedule_id", sched.ID,
				"owner_id", sched.OwnerID,
				"orders", len(orders))
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to submit automation batch")
	}

	r.logger.Infow("Work order sync submitted batch",
		"schedule_id", sched.ID,
		"owner_id", sched.OwnerID,
		"trigger", trigger,
		"batch_id", submitted.ID,
		"jobs", len(jobs))

	return len(orders), nil
}
