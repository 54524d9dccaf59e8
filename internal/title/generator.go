// Package title derives short conversation titles from the first exchange.
package title

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/capitalize-ai/chat-assistant/internal/llm"
)

const (
	maxTitleRunes = 60
	maxTitleTurns = 2

	instruction = "Write a short title (at most six words) for the conversation below. " +
		"Reply with the title only, without quotes or punctuation at the end."
)

// Generator asks an LLM for a conversation title.
type Generator struct {
	client llm.Client
	model  string
}

// NewGenerator creates a title generator using model on client.
func NewGenerator(client llm.Client, model string) *Generator {
	return &Generator{client: client, model: model}
}

// GenerateTitle returns a human-readable title for exchange.
func (g *Generator) GenerateTitle(ctx context.Context, exchange []llm.ChatMessage) (string, error) {
	if len(exchange) == 0 {
		return "", errors.New("no messages to title")
	}
	if len(exchange) > maxTitleTurns {
		exchange = exchange[:maxTitleTurns]
	}

	var transcript strings.Builder
	for _, turn := range exchange {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
	}

	resp, err := g.client.Complete(ctx, &llm.CompletionRequest{
		Model: g.model,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: instruction + "\n\n" + transcript.String()},
		},
		MaxTokens:   32,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	title := Clean(resp.Content)
	if title == "" {
		return "", llm.ErrEmptyResponse
	}
	return title, nil
}

// Clean normalises a raw model answer into a single-line title.
func Clean(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(title, " \"'`*#")
	title = strings.TrimRight(title, ".!")

	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
