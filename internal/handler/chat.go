// Package handler implements the HTTP surface of the chat service.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/internal/middleware"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/service"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/metrics"
)

// ChatHandler handles chat turn endpoints, both SSE and plain JSON.
type ChatHandler struct {
	service     *service.ChatService
	idleTimeout time.Duration
	logger      *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.ChatService, idleTimeout time.Duration, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service:     svc,
		idleTimeout: idleTimeout,
		logger:      log,
	}
}

// Create handles POST /response. With streaming on (the default) the
// request is answered with the turn's SSE stream; otherwise it returns
// a JSON acknowledgement carrying the subtask id to attach to later.
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SessionID != "" {
		if err := middleware.ValidateSessionID(req.SessionID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "at least one message is required")
		return
	}
	for _, msg := range req.Messages {
		if err := middleware.ValidateRole(string(msg.Role)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := middleware.ValidateMessageContent(msg.Content); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := h.service.StartResponse(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !req.Streaming() {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	h.serveStream(w, r, resp.SubtaskID, req.FromOffset)
}

// Attach handles GET /response/{subtask_id}/stream. Reconnecting clients
// pass ?from_offset=N to resume where they left off.
func (h *ChatHandler) Attach(w http.ResponseWriter, r *http.Request) {
	subtaskID := chi.URLParam(r, "subtask_id")
	if err := middleware.ValidateSubtaskID(subtaskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var fromOffset uint64
	if v := r.URL.Query().Get("from_offset"); v != "" {
		offset, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_offset")
			return
		}
		fromOffset = offset
	}

	h.serveStream(w, r, subtaskID, fromOffset)
}

func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, subtaskID string, fromOffset uint64) {
	conn, err := h.service.Attach(subtaskID, fromOffset)
	if err != nil {
		var notFound *streaming.StreamNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "subtask not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer h.service.Detach(conn)

	emitter, err := streaming.NewSSEEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if err := emitter.Serve(r.Context(), conn, h.idleTimeout); err != nil {
		h.logger.Info("SSE client disconnected",
			zap.String("subtask_id", subtaskID),
			zap.Uint64("cursor", conn.Cursor()))
	}
}

// Status handles GET /response/{subtask_id}.
func (h *ChatHandler) Status(w http.ResponseWriter, r *http.Request) {
	subtaskID := chi.URLParam(r, "subtask_id")
	if err := middleware.ValidateSubtaskID(subtaskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.service.Status(subtaskID)
	if err != nil {
		var notFound *streaming.StreamNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "subtask not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Cancel handles DELETE /response/{subtask_id}. Cancelling an already
// cancelled subtask succeeds; cancelling a completed one is a conflict.
func (h *ChatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	subtaskID := chi.URLParam(r, "subtask_id")
	if err := middleware.ValidateSubtaskID(subtaskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Cancel(subtaskID); err != nil {
		var notFound *streaming.StreamNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "subtask not found")
			return
		}
		var completed *streaming.StreamCompletedError
		if errors.As(err, &completed) {
			writeError(w, http.StatusConflict, "subtask already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"subtask_id": subtaskID,
		"status":     "cancelling",
	})
}
