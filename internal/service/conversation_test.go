package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

func TestConversationService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(logger.NewNop())

	conv, err := svc.CreateConversation(ctx, "user-1", "", "model-a")
	require.NoError(t, err)
	assert.Equal(t, model.PlaceholderTitle, conv.Title)
	assert.Equal(t, "model-a", conv.ModelID)

	_, err = svc.SaveMessage(ctx, model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: "Hello"})
	require.NoError(t, err)
	saved, err := svc.SaveMessage(ctx, model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Content: "Hi", ModelID: "model-a"})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	msgs, err := svc.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi", msgs[1].Content)

	require.NoError(t, svc.UpdateTitle(ctx, conv.ID, "Greetings"))
	list, err := svc.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Greetings", list[0].Title)

	other, err := svc.ListConversations(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, svc.DeleteMessage(ctx, conv.ID, saved.ID))
	msgs, err = svc.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	require.NoError(t, svc.DeleteConversation(ctx, conv.ID))
	_, err = svc.GetMessages(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, svc.DeleteConversation(ctx, conv.ID), ErrConversationNotFound)
}

func TestConversationService_SaveToUnknownConversation(t *testing.T) {
	svc := NewConversationService(logger.NewNop())
	_, err := svc.SaveMessage(context.Background(), model.Message{ConversationID: "missing", Role: model.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationService_RemoveDuplicateMessages(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(logger.NewNop())

	a, _ := svc.CreateConversation(ctx, "user-1", "a", "m")
	b, _ := svc.CreateConversation(ctx, "user-1", "b", "m")

	for _, c := range []string{"2+2?", "2+2?", "4"} {
		role := model.RoleUser
		if c == "4" {
			role = model.RoleAssistant
		}
		_, err := svc.SaveMessage(ctx, model.Message{ConversationID: a.ID, Role: role, Content: c})
		require.NoError(t, err)
		_, err = svc.SaveMessage(ctx, model.Message{ConversationID: b.ID, Role: role, Content: c})
		require.NoError(t, err)
	}

	require.NoError(t, svc.RemoveDuplicateMessages(ctx, a.ID))
	msgs, _ := svc.GetMessages(ctx, a.ID)
	assert.Len(t, msgs, 2)
	msgs, _ = svc.GetMessages(ctx, b.ID)
	assert.Len(t, msgs, 3)

	// idempotent, and an empty id sweeps everything
	require.NoError(t, svc.RemoveDuplicateMessages(ctx, a.ID))
	require.NoError(t, svc.RemoveDuplicateMessages(ctx, ""))
	msgs, _ = svc.GetMessages(ctx, a.ID)
	assert.Len(t, msgs, 2)
	msgs, _ = svc.GetMessages(ctx, b.ID)
	assert.Len(t, msgs, 2)
}
