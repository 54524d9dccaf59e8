package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/chat-assistant/internal/llm"
	"github.com/capitalize-ai/chat-assistant/internal/model"
)

type fakeStore struct {
	mu sync.Mutex

	createErr  error
	saveErr    error
	getErr     error
	createGate chan struct{}

	conversations map[string]*model.Conversation
	messages      map[string][]model.Message

	createCalls int
	getCalls    int
	dedupeCalls int
	deletedMsgs []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (s *fakeStore) CreateConversation(ctx context.Context, ownerID, title, modelID string) (*model.Conversation, error) {
	if s.createGate != nil {
		<-s.createGate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	conv := &model.Conversation{
		ID:        fmt.Sprintf("conv-%d", s.createCalls),
		Title:     title,
		ModelID:   modelID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.conversations[conv.ID] = conv
	cp := *conv
	return &cp, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return &msg, nil
}

func (s *fakeStore) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	return append([]model.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) UpdateTitle(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.New("not found")
	}
	conv.Title = title
	return nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletedMsgs = append(s.deletedMsgs, messageID)
	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			s.messages[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) RemoveDuplicateMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupeCalls++
	return nil
}

func (s *fakeStore) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Conversation
	for _, c := range s.conversations {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) saved(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages[conversationID]...)
}

func (s *fakeStore) creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

func (s *fakeStore) title(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		return c.Title
	}
	return ""
}

type fakeStreamer struct {
	mu        sync.Mutex
	calls     int
	histories [][]model.Message
	models    []string

	SendFn func(ctx context.Context, history []model.Message, modelID string, onChunk func(string)) (string, error)
}

func (s *fakeStreamer) Send(ctx context.Context, history []model.Message, modelID string, onChunk func(string), conversationID string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.histories = append(s.histories, history)
	s.models = append(s.models, modelID)
	s.mu.Unlock()

	return s.SendFn(ctx, history, modelID, onChunk)
}

func (s *fakeStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func chunks(parts ...string) func(context.Context, []model.Message, string, func(string)) (string, error) {
	return func(ctx context.Context, history []model.Message, modelID string, onChunk func(string)) (string, error) {
		for _, p := range parts {
			onChunk(p)
		}
		return strings.Join(parts, ""), nil
	}
}

func failing(err error) func(context.Context, []model.Message, string, func(string)) (string, error) {
	return func(ctx context.Context, history []model.Message, modelID string, onChunk func(string)) (string, error) {
		return "", err
	}
}

type fakeTitles struct {
	mu    sync.Mutex
	calls int
	got   [][]llm.ChatMessage

	GenerateFn func(ctx context.Context, exchange []llm.ChatMessage) (string, error)
}

func (g *fakeTitles) GenerateTitle(ctx context.Context, exchange []llm.ChatMessage) (string, error) {
	g.mu.Lock()
	g.calls++
	g.got = append(g.got, exchange)
	g.mu.Unlock()

	if g.GenerateFn == nil {
		return "Greeting", nil
	}
	return g.GenerateFn(ctx, exchange)
}

func (g *fakeTitles) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []model.ChatEvent
}

func (l *eventLog) record(ev model.ChatEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for _, ev := range l.events {
		if ev.Type == model.EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (l *eventLog) chunks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for _, ev := range l.events {
		if ev.Type == model.EventChunk {
			out = append(out, ev.Chunk)
		}
	}
	return out
}
