package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chatshell/chat-shell/internal/model"
)

// JSONStore persists each session's history as one JSON file under a base
// directory. Writes are atomic (temp file + rename) so a crash never leaves
// a half-written history behind.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates the base directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(sessionID string) string {
	// Session ids come from clients; percent-escape anything unsafe in a file
	// name. Escaping '%' itself keeps distinct ids mapped to distinct files.
	var b strings.Builder
	for _, c := range []byte(sessionID) {
		switch c {
		case '/', '\\', '.', '%', 0:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return filepath.Join(s.dir, b.String()+".json")
}

// GetHistory returns all messages for a session in append order.
func (s *JSONStore) GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(sessionID)
}

func (s *JSONStore) readLocked(sessionID string) ([]model.ChatMessage, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var messages []model.ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}

// AppendMessages appends messages to a session's history.
func (s *JSONStore) AppendMessages(ctx context.Context, sessionID string, messages []model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLocked(sessionID)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		existing = append(existing, msg)
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp := s.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmp, s.path(sessionID)); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

// ClearHistory removes all messages for a session.
func (s *JSONStore) ClearHistory(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}
