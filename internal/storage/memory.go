package storage

import (
	"context"
	"sync"
	"time"

	"github.com/chatshell/chat-shell/internal/model"
)

// MemoryStore keeps history in process memory. Useful for tests and
// single-run CLI sessions; history is lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]model.ChatMessage
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]model.ChatMessage),
	}
}

// GetHistory returns all messages for a session in append order.
func (s *MemoryStore) GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.sessions[sessionID]
	out := make([]model.ChatMessage, len(messages))
	copy(out, messages)
	return out, nil
}

// AppendMessages appends messages to a session's history.
func (s *MemoryStore) AppendMessages(ctx context.Context, sessionID string, messages []model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range messages {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	}
	return nil
}

// ClearHistory removes all messages for a session.
func (s *MemoryStore) ClearHistory(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
