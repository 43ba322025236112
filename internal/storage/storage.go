// Package storage provides pluggable conversation history stores.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/pkg/logger"
)

// HistoryStore persists ordered conversation history per session. Backends
// are interchangeable; the streaming core never sees which one is in use.
type HistoryStore interface {
	// GetHistory returns all messages for a session in append order.
	GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)

	// AppendMessages appends messages to a session's history.
	AppendMessages(ctx context.Context, sessionID string, messages []model.ChatMessage) error

	// ClearHistory removes all messages for a session.
	ClearHistory(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// Supported backends.
const (
	BackendMemory    = "memory"
	BackendJSON      = "json"
	BackendSQLite    = "sqlite"
	BackendJetStream = "jetstream"
)

// New constructs the history store selected by STORAGE_BACKEND.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (HistoryStore, error) {
	switch cfg.StorageBackend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendJSON:
		return NewJSONStore(filepath.Join(cfg.StoragePath, "sessions"))
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.StoragePath, "history.db")
		}
		return NewSQLiteStore(path)
	case BackendJetStream:
		return NewJetStreamStore(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
