//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"github.com/fathomhq/finchat/internal/model"
)

func newPostgresTestStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("finchat"),
		postgres.WithUsername("finchat"),
		postgres.WithPassword("finchat"),
		testcontainers.WithWaitStrategy(
			tcwait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := openPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresCreateAndGetJob(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := &model.Job{ID: "job-pg-1", Query: "revenue of TCS FY24?", State: model.JobQueued, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-pg-1")
	require.NoError(t, err)
	require.Equal(t, "revenue of TCS FY24?", got.Query)
}

func TestPostgresQueueSkipLocked(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueJobID(ctx, "pg-a"))
	require.NoError(t, s.EnqueueJobID(ctx, "pg-b"))

	id, ok, err := s.DequeueJobID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pg-a", id)
}
