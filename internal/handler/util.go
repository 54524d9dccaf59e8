package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/chat-assistant/internal/middleware"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}

// session returns the caller's orchestrator, writing a 401 when the request
// carries no identity.
func session(w http.ResponseWriter, r *http.Request, sessions *service.SessionManager) (*orchestrator.Orchestrator, bool) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unidentified caller")
		return nil, false
	}
	return sessions.Get(r.Context(), id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInFlight), errors.Is(err, orchestrator.ErrNothingToRegenerate):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotOwner):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
