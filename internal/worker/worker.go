// Package worker implements the Worker Loop (spec §4.E): pop a job,
// load chat context if any, invoke the agent runner, update job state,
// and append a transcript message on completion. Graceful shutdown
// mirrors the teacher's hub.Server.Serve (signal.NotifyContext +
// drain-between-units-of-work).
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/chatstore"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/metrics"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/runner"
	"github.com/fathomhq/finchat/internal/store"
)

const popTimeout = 1 * time.Second

// runnerFunc is the agent-runner call shape, injected for testability.
type runnerFunc func(ctx context.Context, job *model.Job, prompt string) (map[string]any, error)

// Worker drains the job queue and executes each job against the agent
// runner (spec §4.E).
type Worker struct {
	jobs      *jobstore.JobStore
	chats     *chatstore.ChatStore
	bus       *bus.Bus
	runPrompt func(job *model.Job, history []model.ChatMessage) string
	run       runnerFunc
}

// New creates a Worker. runPrompt assembles the agent prompt from chat
// history and the job's query (internal/runner.AssemblePrompt).
func New(jobs *jobstore.JobStore, chats *chatstore.ChatStore, b *bus.Bus, r *runner.Runner, routerInstructionsPath string) *Worker {
	return &Worker{
		jobs:  jobs,
		chats: chats,
		bus:   b,
		runPrompt: func(job *model.Job, history []model.ChatMessage) string {
			return runner.AssemblePrompt(routerInstructionsPath, history, job.Query)
		},
		run: r.Run,
	}
}

// Run loops until ctx is cancelled, finishing any in-flight job before
// returning (spec §4.E, §5 "Shutdown": cooperative drain).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, ok, err := w.jobs.PopBlocking(ctx, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("worker: pop failed, retrying", "error", err)
			sleepOrDone(ctx, 1*time.Second)
			continue
		}
		if !ok {
			continue
		}

		// The in-flight job runs to completion even if ctx is cancelled
		// meanwhile; cancellation is observed between jobs.
		w.processJob(context.WithoutCancel(ctx), jobID)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string) {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("worker: job record missing, skipping", "job_id", jobID)
			return
		}
		slog.Error("worker: load job failed", "job_id", jobID, "error", err)
		return
	}

	processing := model.JobProcessing
	if err := w.jobs.Update(ctx, jobID, store.JobUpdate{State: &processing}); err != nil {
		slog.Error("worker: transition to processing failed", "job_id", jobID, "error", err)
		return
	}
	w.bus.Publish(jobID, model.Event{Type: model.EventStatus, Extra: map[string]any{"message": "Processing query…"}})

	var history []model.ChatMessage
	if job.ChatID != "" {
		if _, transcript, err := w.chats.GetContent(ctx, job.ChatID); err == nil {
			history = transcript.Messages
		} else {
			slog.Warn("worker: load chat history failed", "chat_id", job.ChatID, "error", err)
		}
	}

	prompt := w.runPrompt(job, history)

	start := time.Now()
	result, runErr := w.run(ctx, job, prompt)
	metrics.JobProcessingDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		w.fail(ctx, job, runErr)
		return
	}
	w.complete(ctx, job, result)
}

func (w *Worker) complete(ctx context.Context, job *model.Job, result map[string]any) {
	meta, _ := result["_metadata"].(map[string]any)
	delete(result, "_metadata")

	completed := model.JobCompleted
	if err := w.jobs.Update(ctx, job.ID, store.JobUpdate{State: &completed, Result: result}); err != nil {
		slog.Error("worker: mark completed failed", "job_id", job.ID, "error", err)
	}
	w.bus.Publish(job.ID, model.Event{Type: model.EventComplete, Extra: result})

	if job.ChatID == "" {
		return
	}

	var agentsUsed []string
	var toolsCalled []model.ToolCall
	if meta != nil {
		if au, ok := meta["agents_used"].([]string); ok {
			agentsUsed = au
		}
		if tc, ok := meta["tools_called"].([]model.ToolCall); ok {
			toolsCalled = tc
		}
	}

	eventHistory := w.bus.DrainHistory(job.ID)

	content, _ := result["response"].(string)
	msg := model.ChatMessage{
		Role:    model.RoleSystem,
		Content: content,
		Metadata: &model.MessageMetadata{
			AgentsUsed:   agentsUsed,
			ToolsCalled:  toolsCalled,
			EventHistory: eventHistory,
			JobID:        job.ID,
		},
	}
	if err := w.chats.AppendMessage(ctx, job.ChatID, msg); err != nil {
		slog.Error("worker: append transcript message failed", "chat_id", job.ChatID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, job *model.Job, runErr error) {
	failed := model.JobFailed
	errMsg := runErr.Error()
	if err := w.jobs.Update(ctx, job.ID, store.JobUpdate{State: &failed, Error: &errMsg}); err != nil {
		slog.Error("worker: mark failed failed", "job_id", job.ID, "error", err)
	}
	w.bus.Publish(job.ID, model.Event{Type: model.EventError, Extra: map[string]any{"message": errMsg}})
}
