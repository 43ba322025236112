package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/storage"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
)

// fakeClient streams a fixed reply. When gate is non-nil the stream waits
// for it before emitting, so tests can observe in-flight sessions.
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

func newTestService(t *testing.T, client llm.Client) (*ChatService, storage.HistoryStore) {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	registry := streaming.NewRegistry(time.Minute, log)
	core := streaming.NewCore(registry, streaming.Config{}, log)
	store := storage.NewMemoryStore()

	cfg := &config.Config{
		DefaultModel:   "fake-1",
		Temperature:    0.7,
		MaxTokens:      1024,
		MaxToolRounds:  5,
		StorageBackend: "memory",
	}
	return NewChatService(core, store, client, tools.DefaultRegistry(), cfg, log), store
}

// collectUntilTerminal drains a connection until its terminal event.
func collectUntilTerminal(t *testing.T, conn *streaming.Connection) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestStartResponseStreamsAndPersists(t *testing.T) {
	svc, store := newTestService(t, &fakeClient{reply: "Hi"})

	resp, err := svc.StartResponse(context.Background(), &model.ChatRequest{
		SessionID: "s1",
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SubtaskID)
	assert.Equal(t, "s1", resp.SessionID)

	conn, err := svc.Attach(resp.SubtaskID, 0)
	require.NoError(t, err)
	defer svc.Detach(conn)

	events := collectUntilTerminal(t, conn)
	require.NotEmpty(t, events)
	assert.Equal(t, streaming.KindComplete, events[len(events)-1].Kind)

	var text string
	for _, ev := range events {
		if chunk, ok := ev.Data.(streaming.ChunkPayload); ok {
			text += chunk.Text
		}
	}
	assert.Equal(t, "Hi", text)

	// Both sides of the turn are persisted once the stream completes.
	require.Eventually(t, func() bool {
		history, err := store.GetHistory(context.Background(), "s1")
		return err == nil && len(history) == 2
	}, 2*time.Second, 10*time.Millisecond)

	history, err := store.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi", history[1].Content)
}

func TestStartResponseRequiresMessages(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{reply: "Hi"})

	_, err := svc.StartResponse(context.Background(), &model.ChatRequest{SessionID: "s1"})
	assert.Error(t, err)
}

func TestStartResponseRejectsUnknownTool(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{reply: "Hi"})

	_, err := svc.StartResponse(context.Background(), &model.ChatRequest{
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "hello"}},
		Tools:    []string{"weather"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestStatusLifecycle(t *testing.T) {
	gate := make(chan struct{})
	svc, _ := newTestService(t, &fakeClient{reply: "Hi", gate: gate})

	resp, err := svc.StartResponse(context.Background(), &model.ChatRequest{
		SessionID: "s1",
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	status, err := svc.Status(resp.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, string(streaming.StatePending), status.Status)
	assert.Equal(t, "s1", status.SessionID)
	assert.Equal(t, 1, status.MessageCount)

	conn, err := svc.Attach(resp.SubtaskID, 0)
	require.NoError(t, err)
	defer svc.Detach(conn)

	close(gate)
	collectUntilTerminal(t, conn)

	status, err = svc.Status(resp.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, string(streaming.StateCompleted), status.Status)
}

func TestStatusUnknownSubtask(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{reply: "Hi"})

	_, err := svc.Status("nope")
	var notFound *streaming.StreamNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCancelStopsTurn(t *testing.T) {
	gate := make(chan struct{})
	svc, store := newTestService(t, &fakeClient{reply: "Hi", gate: gate})

	resp, err := svc.StartResponse(context.Background(), &model.ChatRequest{
		SessionID: "s1",
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	conn, err := svc.Attach(resp.SubtaskID, 0)
	require.NoError(t, err)
	defer svc.Detach(conn)

	require.NoError(t, svc.Cancel(resp.SubtaskID))
	close(gate)

	events := collectUntilTerminal(t, conn)
	assert.Equal(t, streaming.KindCancelled, events[len(events)-1].Kind)

	require.Eventually(t, func() bool {
		session, err := svc.core.Registry().Get(resp.SubtaskID)
		return err == nil && session.State() == streaming.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// Only the user message is persisted; the cancelled reply is not.
	time.Sleep(50 * time.Millisecond)
	history, err := store.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.RoleUser, history[0].Role)
}

func TestHistoryRoundTrip(t *testing.T) {
	svc, store := newTestService(t, &fakeClient{reply: "Hi"})
	ctx := context.Background()

	require.NoError(t, store.AppendMessages(ctx, "s1", []model.ChatMessage{
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "hi"},
	}))

	history, err := svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, history.TotalMessages)
	assert.Equal(t, "s1", history.SessionID)

	require.NoError(t, svc.ClearHistory(ctx, "s1"))
	history, err = svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, history.TotalMessages)
}
