// Package jobstore implements the durable FIFO job queue plus per-job
// record (spec §4.B) on top of internal/store's Store interface. A
// buffered wake-up channel avoids hot-polling the table, grounded on
// the teacher's internal/hub/workermgr per-key channel registration
// pattern.
package jobstore

import (
	"context"
	"time"

	"github.com/fathomhq/finchat/internal/idgen"
	"github.com/fathomhq/finchat/internal/metrics"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/store"
)

// JobStore wraps a store.Store with blocking-pop semantics and queue
// depth instrumentation.
type JobStore struct {
	db     store.Store
	wakeCh chan struct{}
}

// New wraps db. wakeCh is buffered with capacity 1 so enqueue never
// blocks on a slow popper.
func New(db store.Store) *JobStore {
	return &JobStore{
		db:     db,
		wakeCh: make(chan struct{}, 1),
	}
}

// Enqueue allocates a job id, writes the Job record (state=queued),
// then pushes the id onto the queue. The record write precedes the
// queue push so a worker popping the id always finds the record (spec
// §4.B).
func (js *JobStore) Enqueue(ctx context.Context, query, chatID string) (string, error) {
	id := idgen.NewID()
	now := time.Now().UTC()
	job := &model.Job{
		ID:        id,
		Query:     query,
		ChatID:    chatID,
		State:     model.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := js.db.CreateJob(ctx, job); err != nil {
		return "", err
	}
	if err := js.db.EnqueueJobID(ctx, id); err != nil {
		return "", err
	}
	metrics.JobsEnqueuedTotal.Inc()
	js.wake()
	if depth, err := js.db.QueueDepth(ctx); err == nil {
		metrics.JobQueueDepth.Set(float64(depth))
	}
	return id, nil
}

// Get returns the Job record for id, or store.ErrNotFound.
func (js *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return js.db.GetJob(ctx, id)
}

// Update merges the given fields into the Job record and refreshes
// UpdatedAt (spec §4.B).
func (js *JobStore) Update(ctx context.Context, id string, u store.JobUpdate) error {
	if err := js.db.UpdateJob(ctx, id, u); err != nil {
		return err
	}
	if u.State != nil && (*u.State == model.JobCompleted || *u.State == model.JobFailed) {
		metrics.JobsCompletedTotal.WithLabelValues(string(*u.State)).Inc()
	}
	return nil
}

func (js *JobStore) wake() {
	select {
	case js.wakeCh <- struct{}{}:
	default:
	}
}

// PopBlocking dequeues the head of the queue, blocking up to timeout
// so the worker can observe shutdown via ctx cancellation (spec §4.B,
// §4.E step 1). Returns ("", false, nil) on timeout with no job ready.
func (js *JobStore) PopBlocking(ctx context.Context, timeout time.Duration) (string, bool, error) {
	// Try immediately first: a job may already be queued from before
	// this call, with no corresponding wake-up signal pending.
	if id, ok, err := js.db.DequeueJobID(ctx); err != nil || ok {
		js.refreshDepth(ctx)
		return id, ok, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-timer.C:
		return "", false, nil
	case <-js.wakeCh:
		id, ok, err := js.db.DequeueJobID(ctx)
		js.refreshDepth(ctx)
		return id, ok, err
	}
}

func (js *JobStore) refreshDepth(ctx context.Context) {
	if depth, err := js.db.QueueDepth(ctx); err == nil {
		metrics.JobQueueDepth.Set(float64(depth))
	}
}
