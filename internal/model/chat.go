package model

import (
	"time"
)

// ChatRequest is the body of POST /response.
type ChatRequest struct {
	Messages    []ChatMessage     `json:"messages"`
	SessionID   string            `json:"session_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Tools       []string          `json:"tools,omitempty"`
	Stream      *bool             `json:"stream,omitempty"`
	FromOffset  uint64            `json:"from_offset,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Streaming reports whether the client asked for an SSE response.
// Streaming defaults to on when the flag is omitted.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ChatResponse is the non-streaming acknowledgement of a chat request.
type ChatResponse struct {
	SubtaskID string    `json:"subtask_id"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStatus describes one subtask for polling clients.
type SessionStatus struct {
	SubtaskID    string    `json:"subtask_id"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// SessionHistory is the persisted message history of a conversation.
type SessionHistory struct {
	SessionID     string        `json:"session_id"`
	Messages      []ChatMessage `json:"messages"`
	TotalMessages int           `json:"total_messages"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string   `json:"status"`
	Version         string   `json:"version"`
	UptimeSeconds   float64  `json:"uptime_seconds"`
	ActiveSessions  int      `json:"active_sessions"`
	ModelsAvailable []string `json:"models_available"`
}

// ErrorResponse is the JSON error body for non-streaming failures.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
