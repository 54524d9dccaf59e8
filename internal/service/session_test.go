package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

type echoStreamer struct{}

func (echoStreamer) Send(ctx context.Context, history []model.Message, modelID string, onChunk func(string), conversationID string) (string, error) {
	last := history[len(history)-1].Content
	onChunk(strings.ToUpper(last))
	return strings.ToUpper(last), nil
}

func newTestManager(limit int) *SessionManager {
	return NewSessionManager(SessionConfig{
		Store:          NewConversationService(logger.NewNop()),
		Streamer:       echoStreamer{},
		AnonDailyLimit: limit,
		DefaultModel:   "model-a",
		Logger:         logger.NewNop(),
	})
}

func TestSessionManager_OnePerIdentity(t *testing.T) {
	m := newTestManager(5)
	ctx := context.Background()

	alice := m.Get(ctx, orchestrator.Identity{OwnerID: "alice"})
	assert.Same(t, alice, m.Get(ctx, orchestrator.Identity{OwnerID: "alice"}))

	anonAlice := m.Get(ctx, orchestrator.Identity{OwnerID: "alice", Anonymous: true})
	assert.NotSame(t, alice, anonAlice)
	assert.Equal(t, 2, m.Len())
}

func TestSessionManager_AnonymousQuota(t *testing.T) {
	m := newTestManager(1)
	ctx := context.Background()

	anon := m.Get(ctx, orchestrator.Identity{OwnerID: "203.0.113.7", Anonymous: true})
	require.NoError(t, anon.Submit(ctx, "hello", ""))
	require.NoError(t, anon.Submit(ctx, "again", ""))

	msgs := anon.Snapshot().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "HELLO", msgs[1].Content)
	assert.True(t, msgs[3].Failed)
	assert.False(t, anon.Quota().CanSend)

	user := m.Get(ctx, orchestrator.Identity{OwnerID: "bob"})
	require.NoError(t, user.Submit(ctx, "hello", ""))
	require.NoError(t, user.Submit(ctx, "again", ""))
	assert.Equal(t, "AGAIN", user.Snapshot().Messages[3].Content)
	assert.True(t, user.Quota().Unlimited)
}

func TestSessionManager_QuotaSurvivesPrune(t *testing.T) {
	m := newTestManager(1)
	ctx := context.Background()
	id := orchestrator.Identity{OwnerID: "anon-9", Anonymous: true}

	require.NoError(t, m.Get(ctx, id).Submit(ctx, "hello", ""))
	assert.Equal(t, 1, m.Prune(0))
	assert.Equal(t, 0, m.Len())

	again := m.Get(ctx, id)
	assert.False(t, again.Quota().CanSend)
}

func TestSessionManager_LoadsConversationsOnStart(t *testing.T) {
	store := NewConversationService(logger.NewNop())
	_, err := store.CreateConversation(context.Background(), "carol", "Old chat", "model-a")
	require.NoError(t, err)

	m := NewSessionManager(SessionConfig{Store: store, Streamer: echoStreamer{}, Logger: logger.NewNop()})
	orch := m.Get(context.Background(), orchestrator.Identity{OwnerID: "carol"})

	convs := orch.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "Old chat", convs[0].Title)
	m.Wait()
}

func TestSessionManager_PruneKeepsRecent(t *testing.T) {
	m := newTestManager(5)
	m.Get(context.Background(), orchestrator.Identity{OwnerID: "dave"})
	assert.Equal(t, 0, m.Prune(time.Hour))
	assert.Equal(t, 1, m.Len())
}
