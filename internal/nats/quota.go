package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chat-assistant/internal/quota"
)

// QuotaStore persists quota usage in a key-value bucket.
type QuotaStore struct {
	kv jetstream.KeyValue
}

// NewQuotaStore ensures the quota bucket exists. Entries expire after two
// days, well past any daily reset.
func NewQuotaStore(ctx context.Context, client *Client) (*QuotaStore, error) {
	kv, err := EnsureKeyValue(ctx, client.JetStream(), jetstream.KeyValueConfig{
		Bucket:      QuotaBucket,
		Description: "Anonymous message quota",
		History:     1,
		TTL:         48 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return &QuotaStore{kv: kv}, nil
}

// Load implements quota.Store.
func (s *QuotaStore) Load(ctx context.Context, key string) (*quota.Usage, error) {
	entry, err := s.kv.Get(ctx, quotaKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, quota.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	var usage quota.Usage
	if err := json.Unmarshal(entry.Value(), &usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota usage: %w", err)
	}
	return &usage, nil
}

// Save implements quota.Store.
func (s *QuotaStore) Save(ctx context.Context, key string, usage quota.Usage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal quota usage: %w", err)
	}
	if _, err := s.kv.Put(ctx, quotaKey(key), data); err != nil {
		return fmt.Errorf("failed to store quota usage: %w", err)
	}
	return nil
}

// quotaKey encodes key with the URL alphabet, which is a subset of the
// characters allowed in bucket keys.
func quotaKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
