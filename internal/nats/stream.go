package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chat-assistant/internal/model"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// MetaBucket holds one conversation record per key.
	MetaBucket = "CONVERSATION_META"

	// QuotaBucket holds anonymous usage counters.
	QuotaBucket = "QUOTA_USAGE"
)

// EnsureStream makes sure the conversations stream exists.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat messages by owner and conversation",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EnsureKeyValue returns the bucket, creating it when missing.
func EnsureKeyValue(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// MessageSubject returns the subject a message is published on.
func MessageSubject(ownerID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(ownerID), token(conversationID), role)
}

// ConversationFilter matches every subject of one conversation.
func ConversationFilter(ownerID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(ownerID), token(conversationID))
}

// MessageFilter matches the message subjects of one conversation.
func MessageFilter(ownerID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, token(ownerID), token(conversationID))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
