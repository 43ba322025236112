package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatshell/chat-shell/internal/middleware"
	"github.com/chatshell/chat-shell/internal/service"
	"github.com/chatshell/chat-shell/pkg/logger"
)

// HistoryHandler handles conversation history endpoints.
type HistoryHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(svc *service.ChatService, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{service: svc, logger: log}
}

// Get handles GET /sessions/{session_id}/history.
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.service.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// Clear handles DELETE /sessions/{session_id}/history.
func (h *HistoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.ClearHistory(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
