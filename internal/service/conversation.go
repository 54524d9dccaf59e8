// Package service provides the conversation store and per-identity sessions.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

// ErrConversationNotFound is returned for unknown or foreign conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationService is an in-memory conversation store.
type ConversationService struct {
	logger *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
}

// NewConversationService creates an empty in-memory store.
func NewConversationService(log *logger.Logger) *ConversationService {
	return &ConversationService{
		logger:        log,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

// CreateConversation creates a conversation owned by ownerID.
func (s *ConversationService) CreateConversation(ctx context.Context, ownerID, title, modelID string) (*model.Conversation, error) {
	now := time.Now()
	if title == "" {
		title = model.PlaceholderTitle
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		ModelID:   modelID,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("owner_id", ownerID),
	)

	out := *conv
	return &out, nil
}

// SaveMessage appends msg to its conversation.
func (s *ConversationService) SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	conv.UpdatedAt = time.Now()

	return &msg, nil
}

// GetMessages returns the messages of a conversation in submission order.
func (s *ConversationService) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpdateTitle renames a conversation.
func (s *ConversationService) UpdateTitle(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *ConversationService) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

// DeleteMessage removes one message. Deleting an unknown message is not an error.
func (s *ConversationService) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			next := make([]model.Message, 0, len(msgs)-1)
			next = append(next, msgs[:i]...)
			s.messages[conversationID] = append(next, msgs[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveDuplicateMessages drops messages repeating the role and content of the
// message right before them. An empty id sweeps every conversation.
func (s *ConversationService) RemoveDuplicateMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []string{conversationID}
	if conversationID == "" {
		ids = ids[:0]
		for id := range s.messages {
			ids = append(ids, id)
		}
	}

	removed := 0
	for _, id := range ids {
		kept, n := dedupe(s.messages[id])
		if n > 0 {
			s.messages[id] = kept
			removed += n
		}
	}

	if removed > 0 {
		s.logger.Info("removed duplicate messages",
			zap.String("conversation_id", conversationID),
			zap.Int("removed", removed),
		)
	}
	return nil
}

// ListConversations returns ownerID's conversations, most recently updated first.
func (s *ConversationService) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			convs = append(convs, *conv)
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	return convs, nil
}

func dedupe(msgs []model.Message) ([]model.Message, int) {
	if len(msgs) < 2 {
		return msgs, 0
	}

	kept := make([]model.Message, 0, len(msgs))
	kept = append(kept, msgs[0])
	for _, m := range msgs[1:] {
		prev := kept[len(kept)-1]
		if m.Role == prev.Role && m.Content == prev.Content {
			continue
		}
		kept = append(kept, m)
	}
	return kept, len(msgs) - len(kept)
}
