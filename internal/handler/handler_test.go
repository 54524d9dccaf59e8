package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-assistant/internal/middleware"
	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/service"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

const (
	testSecret = "test-secret"
	anonID     = "anon-browser-0001"
)

// echoStreamer answers with the upper-cased last message. A non-nil gate
// holds the answer until it is closed.
type echoStreamer struct {
	gate chan struct{}
}

func (s *echoStreamer) Send(ctx context.Context, history []model.Message, modelID string, onChunk func(string), conversationID string) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	reply := strings.ToUpper(history[len(history)-1].Content)
	onChunk(reply)
	return reply, nil
}

type testEnv struct {
	sessions *service.SessionManager
	router   http.Handler
}

func newTestEnv(t *testing.T, streamer *echoStreamer) *testEnv {
	t.Helper()

	log := logger.NewNop()
	sessions := service.NewSessionManager(service.SessionConfig{
		Store:          service.NewConversationService(log),
		Streamer:       streamer,
		AnonDailyLimit: 20,
		DefaultModel:   "model-a",
		Logger:         log,
	})
	t.Cleanup(sessions.Wait)

	chat := NewChatHandler(sessions, log)
	convs := NewConversationHandler(sessions, log)
	health := NewHealthHandler(nil)

	r := chi.NewRouter()
	r.Get("/ready", health.Ready)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identify(testSecret))
		r.Get("/quota", chat.Quota)
		r.Get("/chat", chat.State)
		r.Post("/chat", chat.Send)
		r.Post("/chat/regenerate", chat.Regenerate)
		r.Get("/conversations", convs.List)
		r.Post("/conversations/new", convs.New)
		r.Post("/conversations/{id}/open", convs.Open)
		r.With(middleware.RequireAuth).Delete("/conversations/{id}", convs.Delete)
	})

	return &testEnv{sessions: sessions, router: r}
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type caller func(*http.Request)

func anonymous(r *http.Request) { r.Header.Set(middleware.AnonymousIDHeader, anonID) }

func user(t *testing.T, subject string) caller {
	token := userToken(t, subject)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (e *testEnv) do(method, path, body string, as caller) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	as(req)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func sseEventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestChatHandler_SendStreamsEvents(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodPost, "/api/v1/chat", `{"content":"hello"}`, anonymous)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	names := sseEventNames(rec.Body.String())
	assert.Contains(t, names, "message_added")
	assert.Contains(t, names, "chunk")
	assert.Contains(t, names, "message_complete")
	assert.Equal(t, "done", names[len(names)-1])
	assert.Contains(t, rec.Body.String(), "HELLO")

	rec = env.do(http.MethodGet, "/api/v1/chat", "", anonymous)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, orchestrator.StateIdle, snap.State)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "HELLO", snap.Messages[1].Content)
	assert.Equal(t, 1, snap.Quota.Count)
}

func TestChatHandler_SendValidation(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"content":`},
		{name: "blank", body: `{"content":"   "}`},
		{name: "bad model", body: `{"content":"hi","model":"no spaces allowed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/chat", tt.body, anonymous)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatHandler_BusyIsConflict(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, &echoStreamer{gate: gate})

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(http.MethodPost, "/api/v1/chat", `{"content":"one"}`, anonymous)
	}()

	orch := env.sessions.Get(context.Background(), orchestrator.Identity{OwnerID: anonID, Anonymous: true})
	require.Eventually(t, func() bool {
		return orch.State() == orchestrator.StateStreaming
	}, time.Second, 5*time.Millisecond)

	rec := env.do(http.MethodPost, "/api/v1/chat", `{"content":"two"}`, anonymous)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(gate)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestChatHandler_RegenerateWithoutReply(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodPost, "/api/v1/chat/regenerate", "", anonymous)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChatHandler_Regenerate(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/chat", `{"content":"again"}`, anonymous).Code)

	rec := env.do(http.MethodPost, "/api/v1/chat/regenerate", "", anonymous)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, sseEventNames(rec.Body.String()), "message_removed")

	rec = env.do(http.MethodGet, "/api/v1/chat", "", anonymous)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "AGAIN", snap.Messages[1].Content)
}

func TestChatHandler_Quota(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	var anon model.QuotaResponse
	rec := env.do(http.MethodGet, "/api/v1/quota", "", anonymous)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anon))
	assert.Equal(t, 20, anon.Limit)
	assert.Equal(t, 20, anon.Remaining)
	assert.True(t, anon.CanSend)
	assert.False(t, anon.Unlimited)

	var signedIn model.QuotaResponse
	rec = env.do(http.MethodGet, "/api/v1/quota", "", user(t, "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signedIn))
	assert.True(t, signedIn.Unlimited)
}

func TestChatHandler_InvalidToken(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodGet, "/api/v1/quota", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-jwt")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationHandler_Lifecycle(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})
	alice := user(t, "alice")

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/chat", `{"content":"first"}`, alice).Code)

	var list model.ListConversationsResponse
	rec := env.do(http.MethodGet, "/api/v1/conversations", "", alice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	convID := list.Conversations[0].ID

	rec = env.do(http.MethodPost, "/api/v1/conversations/new", "", alice)
	require.Equal(t, http.StatusOK, rec.Code)

	var opened model.OpenConversationResponse
	rec = env.do(http.MethodPost, "/api/v1/conversations/"+convID+"/open", "", alice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	require.Len(t, opened.Messages, 2)
	assert.Equal(t, "FIRST", opened.Messages[1].Content)

	// Other callers cannot see or delete it.
	rec = env.do(http.MethodPost, "/api/v1/conversations/"+convID+"/open", "", user(t, "mallory"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodDelete, "/api/v1/conversations/"+convID, "", user(t, "mallory"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodDelete, "/api/v1/conversations/"+convID, "", alice)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/conversations", "", alice)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Total)
}

func TestConversationHandler_OpenValidation(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodPost, "/api/v1/conversations/not-a-uuid/open", "", anonymous)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/conversations/0190a8f2-7c1e-7d3a-9b4c-2f5e6a7b8c9d/open", "", anonymous)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationHandler_DeleteRequiresSignIn(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodDelete, "/api/v1/conversations/0190a8f2-7c1e-7d3a-9b4c-2f5e6a7b8c9d", "", anonymous)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthHandler_ReadyWithoutNATS(t *testing.T) {
	env := newTestEnv(t, &echoStreamer{})

	rec := env.do(http.MethodGet, "/ready", "", func(*http.Request) {})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}
