package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/service"
	"github.com/chatshell/chat-shell/internal/storage"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
)

type fakeClient struct {
	reply string
	gate  chan struct{}
}

func (c *fakeClient) Complete(_ context.Context, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: c.reply, StopReason: "stop"}, nil
}

func (c *fakeClient) CompleteStream(ctx context.Context, _ *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for i, r := range c.reply {
		if err := callback(string(r), i); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{Content: c.reply, StopReason: "stop"}, nil
}

func (c *fakeClient) Name() string     { return "fake" }
func (c *fakeClient) Models() []string { return []string{"fake-1"} }

func newTestRouter(t *testing.T, client llm.Client) http.Handler {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	registry := streaming.NewRegistry(time.Minute, log)
	core := streaming.NewCore(registry, streaming.Config{}, log)
	store := storage.NewMemoryStore()
	cfg := &config.Config{
		DefaultModel:   "fake-1",
		MaxTokens:      1024,
		MaxToolRounds:  5,
		StorageBackend: "memory",
	}
	svc := service.NewChatService(core, store, client, tools.DefaultRegistry(), cfg, log)

	chat := NewChatHandler(svc, 5*time.Second, log)
	history := NewHistoryHandler(svc, log)
	health := NewHealthHandler(svc, "test")

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Post("/response", chat.Create)
	r.Get("/response/{subtask_id}", chat.Status)
	r.Get("/response/{subtask_id}/stream", chat.Attach)
	r.Delete("/response/{subtask_id}", chat.Cancel)
	r.Get("/sessions/{session_id}/history", history.Get)
	r.Delete("/sessions/{session_id}/history", history.Clear)
	return r
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestCreateNonStreaming(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","stream":false,"messages":[{"role":"user","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack model.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.NotEmpty(t, ack.SubtaskID)
	assert.Equal(t, "s1", ack.SessionID)
}

func TestCreateValidation(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	for name, body := range map[string]string{
		"malformed json": `{`,
		"no messages":    `{"session_id":"s1"}`,
		"bad role":       `{"messages":[{"role":"robot","content":"hi"}]}`,
		"empty content":  `{"messages":[{"role":"user","content":""}]}`,
		"bad session id": `{"session_id":"s1/../etc","messages":[{"role":"user","content":"hi"}]}`,
		"unknown tool":   `{"tools":["weather"],"messages":[{"role":"user","content":"hi"}]}`,
	} {
		resp := postJSON(t, srv.URL+"/response", body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestCreateStreamingSSE(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","messages":[{"role":"user","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := string(body)

	assert.Contains(t, frames, "event: content\nid: 0\ndata: {\"text\":\"H\"}\n\n")
	assert.Contains(t, frames, "event: content\nid: 1\ndata: {\"text\":\"i\"}\n\n")
	assert.Contains(t, frames, "event: complete\nid: 2\ndata: {}\n\n")
}

func TestAttachReplaysAfterCompletion(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","stream":false,"messages":[{"role":"user","content":"hello"}]}`)
	var ack model.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()

	// Late attach from offset 1 must deliver the suffix only.
	require.Eventually(t, func() bool {
		status, err := http.Get(srv.URL + "/response/" + ack.SubtaskID)
		if err != nil {
			return false
		}
		defer status.Body.Close()
		var st model.SessionStatus
		if err := json.NewDecoder(status.Body).Decode(&st); err != nil {
			return false
		}
		return st.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	stream, err := http.Get(srv.URL + "/response/" + ack.SubtaskID + "/stream?from_offset=1")
	require.NoError(t, err)
	defer stream.Body.Close()

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	frames := string(body)
	assert.NotContains(t, frames, "id: 0\n")
	assert.Contains(t, frames, "event: content\nid: 1\ndata: {\"text\":\"i\"}\n\n")
	assert.Contains(t, frames, "event: complete\nid: 2\n")
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/response/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/response/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelFlow(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi", gate: gate}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","stream":false,"messages":[{"role":"user","content":"hello"}]}`)
	var ack model.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()

	cancel := func() int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/response/"+ack.SubtaskID, nil)
		require.NoError(t, err)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, cancel())
	// Cancelling again is idempotent.
	assert.Equal(t, http.StatusAccepted, cancel())

	close(gate)

	require.Eventually(t, func() bool {
		status, err := http.Get(srv.URL + "/response/" + ack.SubtaskID)
		if err != nil {
			return false
		}
		defer status.Body.Close()
		var st model.SessionStatus
		if err := json.NewDecoder(status.Body).Decode(&st); err != nil {
			return false
		}
		return st.Status == "cancelled"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelCompletedConflicts(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","stream":false,"messages":[{"role":"user","content":"hello"}]}`)
	var ack model.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()

	require.Eventually(t, func() bool {
		status, err := http.Get(srv.URL + "/response/" + ack.SubtaskID)
		if err != nil {
			return false
		}
		defer status.Body.Close()
		var st model.SessionStatus
		if err := json.NewDecoder(status.Body).Decode(&st); err != nil {
			return false
		}
		return st.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/response/"+ack.SubtaskID, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestHistoryEndpoints(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/response",
		`{"session_id":"s1","messages":[{"role":"user","content":"hello"}]}`)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		res, err := http.Get(srv.URL + "/sessions/s1/history")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var history model.SessionHistory
		if err := json.NewDecoder(res.Body).Decode(&history); err != nil {
			return false
		}
		return history.TotalMessages == 2
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/s1/history", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, err = http.Get(srv.URL + "/sessions/s1/history")
	require.NoError(t, err)
	defer res.Body.Close()
	var history model.SessionHistory
	require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
	assert.Zero(t, history.TotalMessages)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &fakeClient{reply: "Hi"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, []string{"fake-1"}, health.ModelsAvailable)
}
