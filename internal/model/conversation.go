// Package model defines data structures for the chat assistant.
package model

import (
	"time"
)

// PlaceholderTitle is the title a conversation carries until one is generated.
const PlaceholderTitle = "New Chat"

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"model_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// OpenConversationResponse is returned when a conversation is opened.
type OpenConversationResponse struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	Messages     []Message     `json:"messages"`
}
