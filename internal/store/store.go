// Package store persists Job and Chat metadata (spec §4.B, §4.C). Two
// backends implement the same Store interface: an embedded SQLite
// database (the default) and Postgres, for deployments that outgrow
// SQLite's single-writer model.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/model"
)

// ErrNotFound is returned when a job or chat lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

// JobUpdate carries the mutable fields of a Job update (spec §4.B
// "update(job_id, {state?, result?, error?})" — merge semantics).
type JobUpdate struct {
	State  *model.JobState
	Result map[string]any
	Error  *string
}

// ChatUpdate carries the mutable fields of a Chat metadata update.
type ChatUpdate struct {
	Title              *string
	MessageCount       *int
	LastMessagePreview *string
	AgentsUsed         []string
}

// Store is the durable backing for jobs, the job queue, and chat
// metadata. Implementations must make CreateJob's record write visible
// before EnqueueJobID's queue push is observable by a popper (spec
// §4.B: "The record write MUST precede the queue push").
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error

	EnqueueJobID(ctx context.Context, jobID string) error
	// DequeueJobID pops the oldest queued job id, or (\"\", false, nil)
	// if the queue is empty. Non-blocking; blocking/timeout semantics
	// are layered on top by internal/jobstore.
	DequeueJobID(ctx context.Context) (string, bool, error)
	QueueDepth(ctx context.Context) (int, error)

	CreateChat(ctx context.Context, chat *model.Chat) error
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	UpdateChat(ctx context.Context, id string, u ChatUpdate) error
	ListChats(ctx context.Context, skip, limit int) ([]*model.Chat, error)
	CountChats(ctx context.Context) (int, error)
	DeleteChat(ctx context.Context, id string) error

	Close() error
}

// Open opens the Store backend selected by cfg.StoreBackend and
// applies its migrations.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return openSQLite(cfg.DBPath())
	case config.BackendPostgres:
		return openPostgres(cfg.JobStoreURL)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.StoreBackend)
	}
}
