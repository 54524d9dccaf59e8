package model

// EventType represents the type of chat event delivered to subscribers.
type EventType string

const (
	EventState           EventType = "state"
	EventMessageAdded    EventType = "message_added"
	EventChunk           EventType = "chunk"
	EventMessageComplete EventType = "message_complete"
	EventMessageRemoved  EventType = "message_removed"
	EventConversation    EventType = "conversation"
	EventTitle           EventType = "title"
	EventReset           EventType = "reset"
)

// ChatEvent is a single observable change of the chat state.
type ChatEvent struct {
	Type           EventType `json:"type"`
	State          string    `json:"state,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Chunk          string    `json:"chunk,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Title          string    `json:"title,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
}
