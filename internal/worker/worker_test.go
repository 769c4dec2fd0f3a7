package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/chatstore"
	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/runner"
	"github.com/fathomhq/finchat/internal/store"
)

func newTestWorker(t *testing.T, run runnerFunc) (*Worker, *jobstore.JobStore, *chatstore.ChatStore, *bus.Bus) {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), StoreBackend: config.BackendSQLite}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := jobstore.New(db)
	chats := chatstore.New(db, cfg.ChatsDir())
	b := bus.New()

	w := &Worker{
		jobs:  jobs,
		chats: chats,
		bus:   b,
		runPrompt: func(job *model.Job, history []model.ChatMessage) string {
			return job.Query
		},
		run: run,
	}
	return w, jobs, chats, b
}

func TestProcessJobCompletesSuccessfully(t *testing.T) {
	w, jobs, _, _ := newTestWorker(t, func(ctx context.Context, job *model.Job, prompt string) (map[string]any, error) {
		return map[string]any{"response": "42", "_metadata": map[string]any{
			"agents_used":  []string{"numbers"},
			"tools_called": []model.ToolCall{},
		}}, nil
	})

	ctx := context.Background()
	id, err := jobs.Enqueue(ctx, "what is the answer?", "")
	require.NoError(t, err)

	w.processJob(ctx, id)

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.State)
	assert.Equal(t, "42", job.Result["response"])
	_, hasMeta := job.Result["_metadata"]
	assert.False(t, hasMeta, "_metadata must not leak into the persisted job result")
}

func TestProcessJobAppendsTranscriptMessageWhenChatIDSet(t *testing.T) {
	w, jobs, chats, _ := newTestWorker(t, func(ctx context.Context, job *model.Job, prompt string) (map[string]any, error) {
		return map[string]any{"response": "revenue was 10000cr", "_metadata": map[string]any{
			"agents_used":  []string{"numbers"},
			"tools_called": []model.ToolCall{{Tool: "arangodb_query", Server: "arangodb"}},
		}}, nil
	})

	ctx := context.Background()
	chat, err := chats.Create(ctx, "", &model.ChatMessage{Role: model.RoleUser, Content: "revenue of TCS FY24?"})
	require.NoError(t, err)

	id, err := jobs.Enqueue(ctx, "revenue of TCS FY24?", chat.ID)
	require.NoError(t, err)

	w.processJob(ctx, id)

	_, transcript, err := chats.GetContent(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 2)
	reply := transcript.Messages[1]
	assert.Equal(t, model.RoleSystem, reply.Role)
	assert.Equal(t, "revenue was 10000cr", reply.Content)
	require.NotNil(t, reply.Metadata)
	assert.Equal(t, []string{"numbers"}, reply.Metadata.AgentsUsed)
	assert.Equal(t, id, reply.Metadata.JobID)
}

func TestProcessJobMarksFailedOnFatalError(t *testing.T) {
	calls := 0
	w, jobs, _, _ := newTestWorker(t, func(ctx context.Context, job *model.Job, prompt string) (map[string]any, error) {
		calls++
		return nil, &runner.FatalError{ExitCode: 1, Tail: "boom"}
	})

	ctx := context.Background()
	id, err := jobs.Enqueue(ctx, "q", "")
	require.NoError(t, err)

	w.processJob(ctx, id)

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Contains(t, job.Error, "boom")
	assert.Equal(t, 1, calls, "a FatalError must never be retried")
}

func TestProcessJobFailsImmediatelyOnTransientError(t *testing.T) {
	calls := 0
	w, jobs, _, _ := newTestWorker(t, func(ctx context.Context, job *model.Job, prompt string) (map[string]any, error) {
		calls++
		return nil, errors.New("connection reset")
	})

	ctx := context.Background()
	id, err := jobs.Enqueue(ctx, "q", "")
	require.NoError(t, err)

	w.processJob(ctx, id)

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Contains(t, job.Error, "connection reset")
	assert.Equal(t, 1, calls, "a transient runner error must fail the job, not retry it (spec §7: only the main loop retries)")
}
