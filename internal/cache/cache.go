// Package cache keeps loaded conversations in memory so switching between
// conversations does not reload them from the store.
package cache

import (
	"sync"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/pkg/metrics"
)

// ConversationCache maps a conversation id to its ordered message list.
// A maxEntries of zero disables eviction; otherwise the least recently used
// conversation is dropped when the cap is reached.
type ConversationCache struct {
	mu          sync.Mutex
	entries     map[string][]model.Message
	accessOrder []string
	maxEntries  int

	hits   int
	misses int
}

// Stats holds cache statistics.
type Stats struct {
	Hits       int
	Misses     int
	EntryCount int
	HitRate    float64
}

// New creates a conversation cache.
func New(maxEntries int) *ConversationCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &ConversationCache{
		entries:    make(map[string][]model.Message),
		maxEntries: maxEntries,
	}
}

// Get returns a copy of the cached messages for conversationID. The boolean
// is false on a miss, in which case the caller loads from the store and Puts.
func (c *ConversationCache) Get(conversationID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.entries[conversationID]
	metrics.RecordCacheLookup(ok)
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	c.touchLocked(conversationID)
	return clone(msgs), true
}

// Put replaces the cached messages for conversationID.
func (c *ConversationCache) Put(conversationID string, messages []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[conversationID]; !exists && c.maxEntries > 0 {
		for len(c.entries) >= c.maxEntries && len(c.accessOrder) > 0 {
			c.removeLocked(c.accessOrder[0])
		}
	}

	c.entries[conversationID] = clone(messages)
	c.touchLocked(conversationID)
}

// Append adds message to the end of a cached conversation. Only conversations
// already in the cache are updated; it reports whether the append happened.
func (c *ConversationCache) Append(conversationID string, message model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.entries[conversationID]
	if !ok {
		return false
	}

	next := make([]model.Message, len(msgs), len(msgs)+1)
	copy(next, msgs)
	c.entries[conversationID] = append(next, message)
	c.touchLocked(conversationID)
	return true
}

// Remove drops a single conversation.
func (c *ConversationCache) Remove(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(conversationID)
}

// Clear drops every cached conversation.
func (c *ConversationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string][]model.Message)
	c.accessOrder = c.accessOrder[:0]
}

// Len returns the number of cached conversations.
func (c *ConversationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss statistics.
func (c *ConversationCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		EntryCount: len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *ConversationCache) touchLocked(conversationID string) {
	for i, id := range c.accessOrder {
		if id == conversationID {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
	c.accessOrder = append(c.accessOrder, conversationID)
}

func (c *ConversationCache) removeLocked(conversationID string) {
	delete(c.entries, conversationID)
	for i, id := range c.accessOrder {
		if id == conversationID {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			return
		}
	}
}

func clone(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
