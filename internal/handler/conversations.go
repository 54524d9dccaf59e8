// Package handler provides HTTP handlers for the API.
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/middleware"
	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/service"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions *service.SessionManager, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	convs, err := orch.LoadConversations(r.Context())
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	})
}

// New handles POST /api/v1/conversations/new
func (h *ConversationHandler) New(w http.ResponseWriter, r *http.Request) {
	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	orch.NewConversation()
	writeJSON(w, http.StatusOK, orch.Snapshot())
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	owned, err := orch.Owns(ctx, conversationID)
	if err != nil {
		h.logger.Error("failed to check conversation owner", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}
	if !owned {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	if err := orch.Open(ctx, conversationID); err != nil {
		if errors.Is(err, orchestrator.ErrInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to open conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}

	snap := orch.Snapshot()
	writeJSON(w, http.StatusOK, &model.OpenConversationResponse{
		Conversation: snap.Conversation,
		Messages:     snap.Messages,
	})
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	if err := orch.Delete(r.Context(), conversationID); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to delete conversation",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			writeError(w, status, "failed to delete conversation")
			return
		}
		if status == http.StatusNotFound {
			writeError(w, status, "conversation not found")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
