package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

// Streamer adapts a Client to the chat pipeline: it turns a message history
// into a streaming completion and reports every text chunk.
type Streamer struct {
	client    Client
	maxTokens int
	logger    *logger.Logger
}

// NewStreamer creates a streamer over client.
func NewStreamer(client Client, maxTokens int, log *logger.Logger) *Streamer {
	return &Streamer{
		client:    client,
		maxTokens: maxTokens,
		logger:    log,
	}
}

// Send streams a completion for history using modelID. onChunk is invoked once
// per chunk in arrival order; the full text is returned when the stream ends.
func (s *Streamer) Send(
	ctx context.Context,
	history []model.Message,
	modelID string,
	onChunk func(text string),
	conversationID string,
) (string, error) {
	start := time.Now()

	resp, err := s.client.CompleteStream(ctx, &CompletionRequest{
		Model:     modelID,
		Messages:  ToChatMessages(history),
		MaxTokens: s.maxTokens,
	}, func(token string, index int) error {
		onChunk(token)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("completion stream finished",
		zap.String("provider", s.client.Name()),
		zap.String("model", resp.Model),
		zap.String("conversation_id", conversationID),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.String("stop_reason", resp.StopReason),
		zap.Duration("duration", time.Since(start)),
	)

	return resp.Content, nil
}

// ToChatMessages converts chat messages into provider messages, skipping
// entries with no content.
func ToChatMessages(history []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		out = append(out, ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}
