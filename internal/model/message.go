package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a conversation message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Set on assistant messages only.
	ModelID string `json:"model_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Failed marks an assistant message whose content is a user-visible error.
	Failed bool `json:"failed,omitempty"`
}

// SendMessageRequest is the request to submit a chat message.
type SendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// QuotaResponse describes the anonymous usage quota.
type QuotaResponse struct {
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	CanSend   bool      `json:"can_send"`
	Unlimited bool      `json:"unlimited,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
