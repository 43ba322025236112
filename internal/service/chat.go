// Package service wires chat requests to the streaming core, the agent
// loop, and the history store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/internal/agent"
	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/storage"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/metrics"
)

// ChatService orchestrates chat turns: it opens a stream session per
// request, runs the producer in the background, and persists history.
type ChatService struct {
	core     *streaming.Core
	store    storage.HistoryStore
	producer agent.Producer
	client   llm.Client
	tools    *tools.Registry
	cfg      *config.Config
	logger   *logger.Logger
}

// NewChatService creates a chat service.
func NewChatService(
	core *streaming.Core,
	store storage.HistoryStore,
	client llm.Client,
	registry *tools.Registry,
	cfg *config.Config,
	log *logger.Logger,
) *ChatService {
	return &ChatService{
		core:     core,
		store:    store,
		producer: agent.NewLLMProducer(client, log),
		client:   client,
		tools:    registry,
		cfg:      cfg,
		logger:   log,
	}
}

// StartResponse accepts a chat request, opens its stream session, and
// starts the producer. The response carries the subtask id clients use
// to attach, poll, or cancel.
func (s *ChatService) StartResponse(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	toolset := s.tools
	if len(req.Tools) > 0 {
		var err error
		toolset, err = s.tools.Subset(req.Tools)
		if err != nil {
			return nil, err
		}
	}

	history, err := s.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if err := s.store.AppendMessages(ctx, sessionID, req.Messages); err != nil {
		return nil, fmt.Errorf("failed to persist user messages: %w", err)
	}
	for _, msg := range req.Messages {
		metrics.HistoryMessagesTotal.WithLabelValues(s.cfg.StorageBackend, string(msg.Role)).Inc()
	}

	subtaskID := uuid.Must(uuid.NewV7()).String()
	session, err := s.core.CreateSession(subtaskID)
	if err != nil {
		return nil, err
	}
	session.ConversationID = sessionID
	session.MessageCount = len(history) + len(req.Messages)

	turn := agent.Request{
		SessionID:     subtaskID,
		Messages:      s.buildContext(history, req.Messages),
		Model:         s.resolveModel(req.Model),
		Temperature:   s.resolveTemperature(req.Temperature),
		MaxTokens:     s.resolveMaxTokens(req.MaxTokens),
		MaxToolRounds: s.cfg.MaxToolRounds,
		Tools:         toolset,
		ShowThinking:  s.cfg.ShowThinking,
	}

	go s.runTurn(subtaskID, sessionID, turn)

	return &model.ChatResponse{
		SubtaskID: subtaskID,
		SessionID: sessionID,
		Status:    string(session.State()),
		CreatedAt: session.CreatedAt(),
	}, nil
}

// runTurn drives the producer for one subtask. It runs detached from the
// HTTP request context: dropped clients reattach with from_offset, so the
// turn keeps producing into the buffer either way.
func (s *ChatService) runTurn(subtaskID, sessionID string, turn agent.Request) {
	ctx := context.Background()

	result, err := s.producer.Run(ctx, turn, func(ev streaming.Event) error {
		_, publishErr := s.core.Publish(subtaskID, ev)
		return publishErr
	})
	if err != nil {
		var cancelled *streaming.StreamCancelledError
		if errors.As(err, &cancelled) {
			s.logger.Info("turn cancelled",
				zap.String("subtask_id", subtaskID),
				zap.String("session_id", sessionID))
			return
		}
		s.logger.Error("turn failed",
			zap.String("subtask_id", subtaskID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		s.core.Fail(subtaskID, "producer_error", err.Error())
		return
	}

	if result.Content != "" {
		assistant := []model.ChatMessage{{
			Role:      model.RoleAssistant,
			Content:   result.Content,
			Timestamp: time.Now(),
		}}
		if err := s.store.AppendMessages(ctx, sessionID, assistant); err != nil {
			s.logger.Error("failed to persist assistant message",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
		metrics.HistoryMessagesTotal.WithLabelValues(s.cfg.StorageBackend, string(model.RoleAssistant)).Inc()
	}
}

// Attach connects a client to a subtask's stream from the given offset.
func (s *ChatService) Attach(subtaskID string, fromOffset uint64) (*streaming.Connection, error) {
	return s.core.Attach(subtaskID, fromOffset)
}

// Detach releases a client connection.
func (s *ChatService) Detach(conn *streaming.Connection) {
	s.core.Detach(conn)
}

// Cancel requests cooperative cancellation of a subtask.
func (s *ChatService) Cancel(subtaskID string) error {
	return s.core.Cancel(subtaskID)
}

// Status reports the lifecycle state of a subtask.
func (s *ChatService) Status(subtaskID string) (*model.SessionStatus, error) {
	session, err := s.core.Registry().Get(subtaskID)
	if err != nil {
		return nil, err
	}
	return &model.SessionStatus{
		SubtaskID:    session.ID,
		SessionID:    session.ConversationID,
		Status:       string(session.State()),
		CreatedAt:    session.CreatedAt(),
		UpdatedAt:    session.UpdatedAt(),
		MessageCount: session.MessageCount,
	}, nil
}

// History returns the persisted conversation history for a session.
func (s *ChatService) History(ctx context.Context, sessionID string) (*model.SessionHistory, error) {
	messages, err := s.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &model.SessionHistory{
		SessionID:     sessionID,
		Messages:      messages,
		TotalMessages: len(messages),
	}, nil
}

// ClearHistory removes the persisted history for a session.
func (s *ChatService) ClearHistory(ctx context.Context, sessionID string) error {
	return s.store.ClearHistory(ctx, sessionID)
}

// ActiveSessions returns the number of live stream sessions.
func (s *ChatService) ActiveSessions() int {
	return s.core.Registry().Len()
}

// Models lists the models available from the configured provider.
func (s *ChatService) Models() []string {
	return s.client.Models()
}

func (s *ChatService) buildContext(history, incoming []model.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history)+len(incoming))
	for _, msg := range history {
		out = append(out, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	for _, msg := range incoming {
		out = append(out, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func (s *ChatService) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return s.cfg.DefaultModel
}

func (s *ChatService) resolveTemperature(requested *float64) float64 {
	if requested != nil {
		return *requested
	}
	return s.cfg.Temperature
}

func (s *ChatService) resolveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.cfg.MaxTokens
}
