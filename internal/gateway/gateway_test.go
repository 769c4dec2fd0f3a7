package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/chatstore"
	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/graphdb"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/store"
)

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), StoreBackend: config.BackendSQLite}
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := jobstore.New(db)
	chats := chatstore.New(db, cfg.ChatsDir())
	b := bus.New()
	graph := graphdb.NewMemoryClient(
		[]graphdb.Company{{ID: "tcs", Name: "Tata Consultancy Services"}},
		map[string][]graphdb.Filing{"tcs": {{ID: "f1", CompanyID: "tcs", Type: "10-K", Period: "FY24"}}},
	)

	gw := New("127.0.0.1:0", jobs, chats, b, graph)
	srv := httptest.NewServer(gw.server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandleHealth(t *testing.T) {
	srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleQueryEnqueuesJob(t *testing.T) {
	srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/query", queryRequest{Query: "revenue of TCS FY24?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, string(model.JobQueued), body["status"])

	jobResp, err := http.Get(srv.URL + "/api/jobs/" + body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, jobResp.StatusCode)
}

func TestHandleQueryRejectsEmptyQuery(t *testing.T) {
	srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/query", queryRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetJobNotFound(t *testing.T) {
	srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/jobs/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCreateChatAndGetChat(t *testing.T) {
	srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/chats", createChatRequest{InitialMessage: "revenue of TCS FY24?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var chat model.Chat
	decode(t, resp, &chat)
	assert.Equal(t, "revenue of TCS FY24?", chat.Title)
	assert.Equal(t, 1, chat.MessageCount)

	getResp, err := http.Get(srv.URL + "/api/chats/" + chat.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]any
	decode(t, getResp, &body)
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1)
}

func TestHandleChatQueryAppendsMessageThenEnqueues(t *testing.T) {
	srv := newTestGateway(t)
	createResp := postJSON(t, srv.URL+"/api/chats", createChatRequest{Title: "analysis"})
	var chat model.Chat
	decode(t, createResp, &chat)

	resp := postJSON(t, srv.URL+"/api/chats/"+chat.ID+"/query", queryRequest{Query: "revenue of TCS FY24?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/chats/" + chat.ID)
	require.NoError(t, err)
	var body map[string]any
	decode(t, getResp, &body)
	messages := body["messages"].([]any)
	assert.Len(t, messages, 1)
}

func TestHandleChatQueryNotFoundChat(t *testing.T) {
	srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/chats/missing/query", queryRequest{Query: "q"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCompaniesAndFilings(t *testing.T) {
	srv := newTestGateway(t)

	companiesResp, err := http.Get(srv.URL + "/api/companies")
	require.NoError(t, err)
	var companiesBody map[string]any
	decode(t, companiesResp, &companiesBody)
	assert.NotEmpty(t, companiesBody["companies"])

	filingsResp, err := http.Get(srv.URL + "/api/filings/tcs")
	require.NoError(t, err)
	var filingsBody map[string]any
	decode(t, filingsResp, &filingsBody)
	assert.NotEmpty(t, filingsBody["filings"])
}

func TestHandleDeleteChat(t *testing.T) {
	srv := newTestGateway(t)
	createResp := postJSON(t, srv.URL+"/api/chats", createChatRequest{Title: "to delete"})
	var chat model.Chat
	decode(t, createResp, &chat)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/chats/"+chat.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/chats/" + chat.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}
