package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/store"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), StoreBackend: config.BackendSQLite}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestEnqueueThenGetQueued(t *testing.T) {
	js := newTestJobStore(t)
	ctx := context.Background()

	id, err := js.Enqueue(ctx, "revenue of TCS FY24?", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := js.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.State)
	assert.Equal(t, "revenue of TCS FY24?", job.Query)
}

func TestPopBlockingReturnsEnqueuedJob(t *testing.T) {
	js := newTestJobStore(t)
	ctx := context.Background()

	id, err := js.Enqueue(ctx, "q", "")
	require.NoError(t, err)

	popped, ok, err := js.PopBlocking(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, popped)
}

func TestPopBlockingTimesOutOnEmptyQueue(t *testing.T) {
	js := newTestJobStore(t)
	_, ok, err := js.PopBlocking(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPopBlockingWakesOnLateEnqueue(t *testing.T) {
	js := newTestJobStore(t)
	ctx := context.Background()

	resultCh := make(chan string, 1)
	go func() {
		id, ok, err := js.PopBlocking(ctx, 2*time.Second)
		if err == nil && ok {
			resultCh <- id
		}
	}()

	time.Sleep(50 * time.Millisecond)
	id, err := js.Enqueue(ctx, "q", "")
	require.NoError(t, err)

	select {
	case got := <-resultCh:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on enqueue")
	}
}

// Monotonic state: queued -> processing -> completed (spec §8 property 2).
func TestUpdateTransitionsAreMonotonic(t *testing.T) {
	js := newTestJobStore(t)
	ctx := context.Background()

	id, err := js.Enqueue(ctx, "q", "")
	require.NoError(t, err)

	processing := model.JobProcessing
	require.NoError(t, js.Update(ctx, id, store.JobUpdate{State: &processing}))
	job, err := js.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, job.State)

	completed := model.JobCompleted
	require.NoError(t, js.Update(ctx, id, store.JobUpdate{State: &completed, Result: map[string]any{"response": "42"}}))
	job, err = js.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, "42", job.Result["response"])
}
