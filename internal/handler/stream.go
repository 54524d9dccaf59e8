package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/middleware"
	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/service"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
	"github.com/capitalize-ai/chat-assistant/pkg/metrics"
)

const heartbeatInterval = 15 * time.Second

// ChatHandler handles the chat endpoints. Submissions answer with an SSE
// stream of chat events that ends once the pipeline is idle again.
type ChatHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(sessions *service.SessionManager, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		sessions: sessions,
		logger:   log,
	}
}

// DoneEvent closes a chat stream.
type DoneEvent struct {
	State        orchestrator.State  `json:"state"`
	Conversation *model.Conversation `json:"conversation,omitempty"`
	Quota        model.QuotaResponse `json:"quota"`
}

// State handles GET /api/v1/chat
func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.Snapshot())
}

// Quota handles GET /api/v1/quota
func (h *ChatHandler) Quota(w http.ResponseWriter, r *http.Request) {
	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.Quota())
}

// Send handles POST /api/v1/chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateModelID(req.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	h.stream(w, r, orch, func(ctx context.Context) error {
		return orch.Submit(ctx, req.Content, req.Model)
	})
}

// Regenerate handles POST /api/v1/chat/regenerate
func (h *ChatHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	orch, ok := session(w, r, h.sessions)
	if !ok {
		return
	}

	h.stream(w, r, orch, orch.Regenerate)
}

// stream runs op detached from the request and relays every event it causes.
// If op is refused before emitting anything the refusal is a plain JSON error.
// A client that disconnects stops the relay, not the run.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator, op func(context.Context) error) {
	if orch.IsGenerating() {
		writeError(w, http.StatusConflict, orchestrator.ErrInFlight.Error())
		return
	}

	q := newEventQueue()
	unsubscribe := orch.Subscribe(q.push)
	defer unsubscribe()

	done := make(chan error, 1)
	runCtx := context.WithoutCancel(r.Context())
	go func() {
		done <- op(runCtx)
	}()

	var (
		err      error
		finished bool
	)
	select {
	case <-q.ready:
	case err = <-done:
		finished = true
	}
	if finished && err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		for _, ev := range q.drain() {
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				h.logger.Warn("failed to encode chat event", zap.Error(err))
			}
		}
		if finished {
			break
		}

		select {
		case <-q.ready:
		case err = <-done:
			finished = true
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected before the run finished",
				zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			)
			return
		}
	}

	if err != nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "submit_error",
			Message: err.Error(),
		})
		return
	}

	snap := orch.Snapshot()
	sendSSEEvent(w, flusher, "done", &DoneEvent{
		State:        snap.State,
		Conversation: snap.Conversation,
		Quota:        snap.Quota,
	})
}

// eventQueue is an unbounded buffer between the orchestrator, which must not
// block on listeners, and the SSE writer.
type eventQueue struct {
	mu     sync.Mutex
	events []model.ChatEvent
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev model.ChatEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []model.ChatEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}
