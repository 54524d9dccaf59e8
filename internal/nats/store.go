package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

const fetchBatch = 256

// ErrConversationNotFound is returned when no metadata exists for a conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore keeps messages in the conversations stream and
// conversation records in a key-value bucket.
type ConversationStore struct {
	js     jetstream.JetStream
	meta   jetstream.KeyValue
	logger *logger.Logger
}

type storedMessage struct {
	seq uint64
	msg model.Message
}

// NewConversationStore ensures the stream and bucket exist and returns a store.
func NewConversationStore(ctx context.Context, client *Client, log *logger.Logger) (*ConversationStore, error) {
	js := client.JetStream()

	if err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}

	meta, err := EnsureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket:      MetaBucket,
		Description: "Conversation records",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &ConversationStore{js: js, meta: meta, logger: log}, nil
}

// CreateConversation stores a new conversation record.
func (s *ConversationStore) CreateConversation(ctx context.Context, ownerID, title, modelID string) (*model.Conversation, error) {
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

	if err := s.putMeta(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// SaveMessage publishes msg on its conversation's subject.
func (s *ConversationStore) SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	conv, err := s.getMeta(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := s.js.Publish(ctx, MessageSubject(conv.OwnerID, conv.ID, msg.Role), data); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	conv.UpdatedAt = time.Now()
	if err := s.putMeta(ctx, conv); err != nil {
		s.logger.Warn("failed to touch conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	return &msg, nil
}

// GetMessages returns a conversation's messages in stream order.
func (s *ConversationStore) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	conv, err := s.getMeta(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	stored, err := s.readMessages(ctx, conv)
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, len(stored))
	for i, sm := range stored {
		msgs[i] = sm.msg
	}
	return msgs, nil
}

// UpdateTitle renames a conversation.
func (s *ConversationStore) UpdateTitle(ctx context.Context, conversationID, title string) error {
	conv, err := s.getMeta(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return s.putMeta(ctx, conv)
}

// DeleteConversation purges a conversation's messages and drops its record.
func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	conv, err := s.getMeta(ctx, conversationID)
	if err != nil {
		return err
	}

	stream, err := s.js.Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(ConversationFilter(conv.OwnerID, conv.ID))); err != nil {
		return fmt.Errorf("failed to purge conversation: %w", err)
	}

	if err := s.meta.Delete(ctx, conv.ID); err != nil {
		return fmt.Errorf("failed to delete conversation record: %w", err)
	}
	return nil
}

// DeleteMessage removes one message from the stream. Unknown ids are ignored.
func (s *ConversationStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	conv, err := s.getMeta(ctx, conversationID)
	if err != nil {
		return err
	}

	stored, err := s.readMessages(ctx, conv)
	if err != nil {
		return err
	}

	for _, sm := range stored {
		if sm.msg.ID == messageID {
			return s.deleteSeqs(ctx, []uint64{sm.seq})
		}
	}
	return nil
}

// RemoveDuplicateMessages deletes messages that repeat the role and content
// of the message right before them. An empty id sweeps every conversation.
func (s *ConversationStore) RemoveDuplicateMessages(ctx context.Context, conversationID string) error {
	ids := []string{conversationID}
	if conversationID == "" {
		keys, err := s.keys(ctx)
		if err != nil {
			return err
		}
		ids = keys
	}

	removed := 0
	for _, id := range ids {
		conv, err := s.getMeta(ctx, id)
		if err != nil {
			return err
		}
		stored, err := s.readMessages(ctx, conv)
		if err != nil {
			return err
		}

		seqs := duplicateSequences(stored)
		if err := s.deleteSeqs(ctx, seqs); err != nil {
			return err
		}
		removed += len(seqs)
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
func (s *ConversationStore) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	var convs []model.Conversation
	for _, key := range keys {
		conv, err := s.getMeta(ctx, key)
		if errors.Is(err, ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.OwnerID == ownerID {
			convs = append(convs, *conv)
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *ConversationStore) readMessages(ctx context.Context, conv *model.Conversation) ([]storedMessage, error) {
	consumer, err := s.js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     MessageFilter(conv.OwnerID, conv.ID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	pending := consumer.CachedInfo().NumPending
	stored := make([]storedMessage, 0, pending)

	for uint64(len(stored)) < pending {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++

			var m model.Message
			if err := json.Unmarshal(msg.Data(), &m); err != nil {
				s.logger.Warn("skipping malformed message", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}

			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			stored = append(stored, storedMessage{seq: meta.Sequence.Stream, msg: m})
		}

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
	}

	return stored, nil
}

func (s *ConversationStore) deleteSeqs(ctx context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}

	stream, err := s.js.Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}

	for _, seq := range seqs {
		if err := stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			return fmt.Errorf("failed to delete message %d: %w", seq, err)
		}
	}
	return nil
}

func (s *ConversationStore) getMeta(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, ErrConversationNotFound
	}

	entry, err := s.meta.Get(ctx, conversationID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *ConversationStore) putMeta(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.meta.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) keys(ctx context.Context) ([]string, error) {
	keys, err := s.meta.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return keys, nil
}

// duplicateSequences returns the stream sequences of messages that repeat
// the role and content of the message kept right before them.
func duplicateSequences(stored []storedMessage) []uint64 {
	var seqs []uint64
	for i := 1; i < len(stored); i++ {
		prev, cur := stored[i-1].msg, stored[i].msg
		if cur.Role == prev.Role && cur.Content == prev.Content {
			seqs = append(seqs, stored[i].seq)
		}
	}
	return seqs
}
