// Package gateway implements the HTTP/SSE Gateway (spec §4.F): job
// submission, status, SSE event streaming, chat CRUD, and thin
// pass-through handlers onto the out-of-scope graph database. Router
// wiring and h2c serving follow hub/server.go's ServeMux +
// logging/metrics middleware + h2c pattern.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/chatstore"
	"github.com/fathomhq/finchat/internal/graphdb"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/logging"
	"github.com/fathomhq/finchat/internal/metrics"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/store"
	"github.com/fathomhq/finchat/internal/validate"
)

const ssePingInterval = 5 * time.Second

// Gateway holds the process-wide handles the HTTP surface is built
// from (spec §9 "Process-wide state").
type Gateway struct {
	jobs    *jobstore.JobStore
	chats   *chatstore.ChatStore
	bus     *bus.Bus
	graph   graphdb.Client
	server  *http.Server
}

// New wires the ServeMux, middleware, and h2c handler, but does not
// start listening; call Serve.
func New(addr string, jobs *jobstore.JobStore, chats *chatstore.ChatStore, b *bus.Bus, graph graphdb.Client) *Gateway {
	g := &Gateway{jobs: jobs, chats: chats, bus: b, graph: graph}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /api/query", g.handleQuery)
	mux.HandleFunc("GET /api/jobs/{id}", g.handleGetJob)
	mux.HandleFunc("GET /api/events/{id}", g.handleEvents)
	mux.HandleFunc("GET /api/companies", g.handleCompanies)
	mux.HandleFunc("GET /api/filings/{company_id}", g.handleFilings)
	mux.HandleFunc("POST /api/chats", g.handleCreateChat)
	mux.HandleFunc("GET /api/chats", g.handleListChats)
	mux.HandleFunc("GET /api/chats/{id}", g.handleGetChat)
	mux.HandleFunc("PUT /api/chats/{id}", g.handleUpdateChat)
	mux.HandleFunc("DELETE /api/chats/{id}", g.handleDeleteChat)
	mux.HandleFunc("POST /api/chats/{id}/query", g.handleChatQuery)
	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	g.server = &http.Server{
		Addr:              addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Serve blocks until ctx is cancelled, then performs graceful shutdown
// (mirrors hub/server.go's Serve).
func (g *Gateway) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type queryRequest struct {
	Query string `json:"query"`
}

// handleQuery implements POST /api/query (spec §4.F, §6): enqueue a
// job and immediately publish a queued status event so late SSE
// subscribers observe queue state via replay.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Query(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := g.jobs.Enqueue(r.Context(), req.Query, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.publishQueued(jobID)

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"status":  string(model.JobQueued),
		"message": "Job queued, waiting for worker…",
	})
}

func (g *Gateway) publishQueued(jobID string) {
	g.bus.Publish(jobID, model.Event{
		Type:  model.EventStatus,
		Extra: map[string]any{"message": "Job queued, waiting for worker…"},
	})
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := g.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleEvents implements GET /api/events/{id}: an SSE stream that
// first yields a synthetic connected event, then forwards every event
// from bus.Subscribe, with a periodic ping to keep proxies from timing
// out (spec §4.F).
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, model.Event{Type: model.EventConnected, JobID: id})
	flusher.Flush()

	ctx := r.Context()
	events := g.bus.Subscribe(ctx, id)

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + string(ev.Type) + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func (g *Gateway) handleCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := g.graph.ListCompanies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies})
}

func (g *Gateway) handleFilings(w http.ResponseWriter, r *http.Request) {
	companyID := r.PathValue("company_id")
	filings, err := g.graph.ListFilings(r.Context(), companyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filings": filings, "company_id": companyID})
}

type createChatRequest struct {
	Title           string `json:"title"`
	InitialMessage  string `json:"initial_message"`
}

func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var initial *model.ChatMessage
	if req.InitialMessage != "" {
		initial = &model.ChatMessage{Role: model.RoleUser, Content: req.InitialMessage}
	}

	chat, err := g.chats.Create(r.Context(), req.Title, initial)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	skip := atoiDefault(r.URL.Query().Get("skip"), 0)
	limit := atoiDefault(r.URL.Query().Get("limit"), 20)

	chats, err := g.chats.List(r.Context(), skip, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := g.chats.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats, "total": total})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (g *Gateway) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chat, transcript, err := g.chats.GetContent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": chat,
		"messages": transcript.Messages,
		"settings": transcript.Settings,
	})
}

type updateChatRequest struct {
	Title string `json:"title"`
}

func (g *Gateway) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	chat, err := g.chats.UpdateMetadata(r.Context(), id, req.Title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.chats.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "chat_id": id})
}

// handleChatQuery implements POST /api/chats/{id}/query: appends the
// user message to the transcript *before* enqueuing so the history
// reflects the submission even if the worker is slow (spec §4.F).
func (g *Gateway) handleChatQuery(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Query(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.chats.GetMetadata(r.Context(), chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := g.chats.AppendMessage(r.Context(), chatID, model.ChatMessage{
		Role:    model.RoleUser,
		Content: req.Query,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID, err := g.jobs.Enqueue(r.Context(), req.Query, chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.publishQueued(jobID)

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"status":  string(model.JobQueued),
		"message": "Job queued, waiting for worker…",
	})
}
