package handler

import (
	"net/http"
	"time"

	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	service *service.ChatService
	version string
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(svc *service.ChatService, version string) *HealthHandler {
	return &HealthHandler{
		service: svc,
		version: version,
		started: time.Now(),
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &model.HealthResponse{
		Status:          "healthy",
		Version:         h.version,
		UptimeSeconds:   time.Since(h.started).Seconds(),
		ActiveSessions:  h.service.ActiveSessions(),
		ModelsAvailable: h.service.Models(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
