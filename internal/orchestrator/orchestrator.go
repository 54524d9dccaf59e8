// Package orchestrator drives a chat message from submission to a persisted
// reply. One Orchestrator serves one identity and runs at most one pipeline at
// a time.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/cache"
	"github.com/capitalize-ai/chat-assistant/internal/llm"
	"github.com/capitalize-ai/chat-assistant/internal/model"
	"github.com/capitalize-ai/chat-assistant/internal/quota"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
	"github.com/capitalize-ai/chat-assistant/pkg/metrics"
	"github.com/capitalize-ai/chat-assistant/pkg/tracing"
)

const (
	// DefaultTimeout bounds a completion, measured from submission.
	DefaultTimeout = 90 * time.Second

	// DefaultTitleTimeout bounds a detached title generation.
	DefaultTitleTimeout = 30 * time.Second

	maxProvisionalTitleRunes = 100
)

// Store persists conversations and their messages.
type Store interface {
	CreateConversation(ctx context.Context, ownerID, title, modelID string) (*model.Conversation, error)
	SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	UpdateTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	// RemoveDuplicateMessages is idempotent; an empty id sweeps every conversation.
	RemoveDuplicateMessages(ctx context.Context, conversationID string) error
	ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error)
}

// Streamer produces a streaming completion. onChunk is called once per chunk
// in arrival order and the full text is returned when the stream ends.
type Streamer interface {
	Send(ctx context.Context, history []model.Message, modelID string, onChunk func(string), conversationID string) (string, error)
}

// TitleGenerator derives a conversation title from its first exchange.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, exchange []llm.ChatMessage) (string, error)
}

// QuotaTracker limits how many messages may be sent.
type QuotaTracker interface {
	CanSend() bool
	RecordSend()
	Stats() quota.Stats
}

// Identity is the caller an orchestrator acts for.
type Identity struct {
	OwnerID   string
	Anonymous bool
}

// Options configures an Orchestrator. Store and Streamer are required.
type Options struct {
	Identity     Identity
	Store        Store
	Streamer     Streamer
	Titles       TitleGenerator
	Quota        QuotaTracker
	Cache        *cache.ConversationCache
	Logger       *logger.Logger
	DefaultModel string
	Timeout      time.Duration
	TitleTimeout time.Duration
	Now          func() time.Time
}

// Snapshot is a consistent copy of the orchestrator's observable state.
type Snapshot struct {
	State          State               `json:"state"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Messages       []model.Message     `json:"messages"`
	IsGenerating   bool                `json:"is_generating"`
	Quota          model.QuotaResponse `json:"quota"`
}

type listener struct {
	id int
	fn func(model.ChatEvent)
}

// Orchestrator owns the message list of the open conversation and runs the
// submission pipeline against it.
type Orchestrator struct {
	identity     Identity
	store        Store
	streamer     Streamer
	titles       TitleGenerator
	quota        QuotaTracker
	cache        *cache.ConversationCache
	logger       *logger.Logger
	tracer       trace.Tracer
	defaultModel string
	timeout      time.Duration
	titleTimeout time.Duration
	now          func() time.Time

	mu             sync.Mutex
	state          State
	run            uint64
	conversationID string
	conversation   *model.Conversation
	epoch          uint64 // bumped whenever the open conversation is replaced
	messages       []model.Message
	conversations  []model.Conversation
	lastModel      string
	listeners      []listener
	nextListener   int
	pending        []model.ChatEvent

	// emitMu keeps event delivery in mutation order without holding mu.
	emitMu  sync.Mutex
	titleWG sync.WaitGroup
}

// New creates an orchestrator. Authenticated identities always get an
// unlimited quota.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		identity:     opts.Identity,
		store:        opts.Store,
		streamer:     opts.Streamer,
		titles:       opts.Titles,
		quota:        opts.Quota,
		cache:        opts.Cache,
		logger:       opts.Logger,
		tracer:       tracing.Tracer("orchestrator"),
		defaultModel: opts.DefaultModel,
		timeout:      opts.Timeout,
		titleTimeout: opts.TitleTimeout,
		now:          opts.Now,
		state:        StateIdle,
	}

	if !o.identity.Anonymous || o.quota == nil {
		o.quota = quota.Unlimited()
	}
	if o.cache == nil {
		o.cache = cache.New(0)
	}
	if o.logger == nil {
		o.logger = logger.NewNop()
	}
	o.logger = o.logger.Named("orchestrator").With(
		zap.String("owner_id", o.identity.OwnerID),
		zap.Bool("anonymous", o.identity.Anonymous),
	)
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.titleTimeout <= 0 {
		o.titleTimeout = DefaultTitleTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}

	return o
}

type turn struct {
	run       uint64
	user      model.Message
	newUser   bool
	modelID   string
	submitted time.Time
}

type streamResult struct {
	text string
	err  error
}

// Submit sends text to modelID and blocks until the pipeline is back to idle.
// Completion failures end up in the assistant message, not in the returned
// error: only ErrInFlight and ErrEmptyMessage are returned, and in both cases
// nothing changed.
func (o *Orchestrator) Submit(ctx context.Context, text, modelID string) error {
	submitted := time.Now()

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		metrics.SubmissionsTotal.WithLabelValues("busy").Inc()
		return ErrInFlight
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.mu.Unlock()
		metrics.SubmissionsTotal.WithLabelValues("empty").Inc()
		return ErrEmptyMessage
	}

	run := o.beginLocked()
	modelID = o.pickModelLocked(modelID)
	user := o.newMessage(model.RoleUser, text, "")
	o.unlockAndFlush()

	return o.process(ctx, turn{
		run:       run,
		user:      user,
		newUser:   true,
		modelID:   modelID,
		submitted: submitted,
	})
}

// Regenerate replaces the latest assistant reply with a fresh completion of
// the user message before it. The user message itself is kept as is.
func (o *Orchestrator) Regenerate(ctx context.Context) error {
	submitted := time.Now()

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		metrics.SubmissionsTotal.WithLabelValues("busy").Inc()
		return ErrInFlight
	}

	ai := lastIndex(o.messages, len(o.messages), model.RoleAssistant)
	ui := -1
	if ai >= 0 {
		ui = lastIndex(o.messages, ai, model.RoleUser)
	}
	if ui < 0 {
		o.mu.Unlock()
		return ErrNothingToRegenerate
	}

	removed := o.messages[ai]
	user := o.messages[ui]
	o.messages = slices.Delete(slices.Clone(o.messages), ai, ai+1)
	o.emitLocked(model.ChatEvent{
		Type:           model.EventMessageRemoved,
		ConversationID: o.conversationID,
		MessageID:      removed.ID,
	})

	convID := o.conversationID
	if convID != "" {
		o.cache.Put(convID, o.persistedLocked(""))
	}

	run := o.beginLocked()
	modelID := o.pickModelLocked(removed.ModelID)
	o.unlockAndFlush()

	if convID != "" && !removed.Failed {
		if err := o.store.DeleteMessage(ctx, convID, removed.ID); err != nil {
			o.logger.Warn("failed to delete regenerated message",
				zap.String("conversation_id", convID),
				zap.String("message_id", removed.ID),
				zap.Error(err),
			)
		}
		if err := o.store.RemoveDuplicateMessages(ctx, convID); err != nil {
			o.logger.Warn("failed to remove duplicate messages",
				zap.String("conversation_id", convID),
				zap.Error(err),
			)
		}
	}

	return o.process(ctx, turn{
		run:       run,
		user:      user,
		modelID:   modelID,
		submitted: submitted,
	})
}

func (o *Orchestrator) process(ctx context.Context, t turn) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit", trace.WithAttributes(
		attribute.String("model", t.modelID),
		attribute.Bool("regenerate", !t.newUser),
	))
	defer span.End()

	o.mu.Lock()
	o.setStateLocked(StateQuotaCheck)
	o.unlockAndFlush()

	if !o.quota.CanSend() {
		o.rejectForQuota(t)
		span.SetAttributes(attribute.String("outcome", "quota_exceeded"))
		return nil
	}
	o.quota.RecordSend()

	assistant := o.newMessage(model.RoleAssistant, "", t.modelID)

	o.mu.Lock()
	if t.newUser {
		o.appendLocked(t.user)
	}
	o.appendLocked(assistant)
	history := o.historyLocked(assistant.ID)
	o.setStateLocked(StateConversationResolve)
	o.unlockAndFlush()

	convID, created, err := o.resolveConversation(ctx, t.user.Content, t.modelID)
	if err != nil {
		o.logger.Warn("continuing without a saved conversation", zap.Error(err))
	}

	o.mu.Lock()
	if convID != "" {
		t.user.ConversationID = convID
		assistant.ConversationID = convID
		o.updateMessageLocked(t.user.ID, func(m *model.Message) { m.ConversationID = convID })
		o.updateMessageLocked(assistant.ID, func(m *model.Message) { m.ConversationID = convID })
		if t.newUser && convID == o.conversationID {
			o.cacheUserLocked(convID, t.user, assistant.ID, created)
		}
	}
	o.setStateLocked(StateStreaming)
	o.unlockAndFlush()

	if convID != "" && t.newUser {
		o.persist(ctx, t.user)
	}

	text, err := o.stream(ctx, t, assistant.ID, history, convID)
	elapsed := time.Since(t.submitted)

	if err == nil {
		if text == "" {
			text = o.contentOf(assistant.ID)
		}
		if strings.TrimSpace(text) == "" {
			err = llm.ErrEmptyResponse
		}
	}

	if err != nil {
		kind := Classify(err)
		o.fail(t, assistant.ID, kind)

		status := "error"
		if kind == KindTimeout {
			status = "timeout"
		}
		metrics.SubmissionsTotal.WithLabelValues(status).Inc()
		metrics.CompletionErrorsTotal.WithLabelValues(string(kind)).Inc()
		metrics.RecordStream(t.modelID, status, elapsed.Seconds())
		o.logger.Error("completion failed",
			zap.String("conversation_id", convID),
			zap.String("model", t.modelID),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		return nil
	}

	assistant.Content = text

	o.mu.Lock()
	o.updateMessageLocked(assistant.ID, func(m *model.Message) { m.Content = text })
	o.setStateLocked(StatePersisting)
	o.emitLocked(model.ChatEvent{
		Type:           model.EventMessageComplete,
		ConversationID: convID,
		MessageID:      assistant.ID,
		Message:        &assistant,
	})
	o.unlockAndFlush()

	if convID != "" {
		o.persist(ctx, assistant)
	}

	o.mu.Lock()
	var exchange []model.Message
	if convID != "" && convID == o.conversationID {
		o.cache.Append(convID, assistant)
		if o.persistedCountLocked(convID) == 2 && o.titles != nil {
			exchange = slices.Clone(o.messages)
			o.setStateLocked(StateTitleGeneration)
		}
	}
	o.setStateLocked(StateIdle)
	o.unlockAndFlush()

	if exchange != nil {
		o.generateTitle(ctx, convID, exchange)
	}

	metrics.SubmissionsTotal.WithLabelValues("success").Inc()
	metrics.RecordStream(t.modelID, "success", elapsed.Seconds())
	o.logger.Debug("submission completed",
		zap.String("conversation_id", convID),
		zap.String("model", t.modelID),
		zap.Duration("elapsed", elapsed),
	)

	return nil
}

// stream races the completion against the deadline measured from submission.
func (o *Orchestrator) stream(ctx context.Context, t turn, messageID string, history []model.Message, convID string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stream")
	defer span.End()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	onChunk := func(chunk string) {
		o.applyChunk(t.run, messageID, chunk)
	}

	done := make(chan streamResult, 1)
	go func() {
		text, err := o.streamer.Send(streamCtx, history, t.modelID, onChunk, convID)
		done <- streamResult{text: text, err: err}
	}()

	timer := time.NewTimer(o.timeout - time.Since(t.submitted))
	defer timer.Stop()

	select {
	case res := <-done:
		return res.text, res.err
	case <-timer.C:
		o.expire(t.run)
		return "", fmt.Errorf("%w: no answer within %s", llm.ErrTimeout, o.timeout)
	}
}

func (o *Orchestrator) applyChunk(run uint64, messageID, chunk string) {
	if chunk == "" {
		return
	}

	o.mu.Lock()
	if o.run != run || o.state != StateStreaming {
		o.mu.Unlock()
		return
	}
	if !o.updateMessageLocked(messageID, func(m *model.Message) { m.Content += chunk }) {
		o.mu.Unlock()
		return
	}
	o.emitLocked(model.ChatEvent{
		Type:           model.EventChunk,
		ConversationID: o.conversationID,
		MessageID:      messageID,
		Chunk:          chunk,
	})
	o.unlockAndFlush()
}

// expire retires a timed-out run so its late chunks no longer match.
func (o *Orchestrator) expire(run uint64) {
	o.mu.Lock()
	if o.run == run {
		o.run++
	}
	o.mu.Unlock()
}

func (o *Orchestrator) fail(t turn, messageID string, kind ErrorKind) {
	o.mu.Lock()
	var failed *model.Message
	o.updateMessageLocked(messageID, func(m *model.Message) {
		m.Content = kind.Message()
		m.Failed = true
		cp := *m
		failed = &cp
	})
	o.emitLocked(model.ChatEvent{
		Type:           model.EventMessageComplete,
		ConversationID: o.conversationID,
		MessageID:      messageID,
		Message:        failed,
		ErrorKind:      string(kind),
	})
	o.setStateLocked(StateIdle)
	o.unlockAndFlush()
}

func (o *Orchestrator) rejectForQuota(t turn) {
	stats := o.quota.Stats()
	notice := o.newMessage(model.RoleAssistant, stats.ExhaustedMessage(), "")
	notice.Failed = true

	o.mu.Lock()
	if t.newUser {
		o.appendLocked(t.user)
	}
	o.appendLocked(notice)
	o.setStateLocked(StateIdle)
	o.unlockAndFlush()

	metrics.QuotaRejectionsTotal.Inc()
	metrics.SubmissionsTotal.WithLabelValues("quota_exceeded").Inc()
	o.logger.Info("anonymous quota exhausted",
		zap.Int("count", stats.Count),
		zap.Int("limit", stats.Limit),
		zap.Time("reset_at", stats.ResetAt),
	)
}

func (o *Orchestrator) persist(ctx context.Context, msg model.Message) {
	if _, err := o.store.SaveMessage(ctx, msg); err != nil {
		o.logger.Warn("failed to save message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("role", string(msg.Role)),
			zap.Error(err),
		)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
}

// ResolveConversation returns the open conversation, creating one titled
// after text when none is open. A conversation created while the caller
// switched away is listed and returned but not opened.
func (o *Orchestrator) ResolveConversation(ctx context.Context, text, modelID string) (string, error) {
	id, _, err := o.resolveConversation(ctx, text, modelID)
	return id, err
}

func (o *Orchestrator) resolveConversation(ctx context.Context, text, modelID string) (string, bool, error) {
	o.mu.Lock()
	id := o.conversationID
	epoch := o.epoch
	o.mu.Unlock()
	if id != "" {
		return id, false, nil
	}

	conv, err := o.store.CreateConversation(ctx, o.identity.OwnerID, provisionalTitle(text), modelID)
	if err != nil {
		return "", false, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.Inc()

	o.mu.Lock()
	o.conversations = append([]model.Conversation{*conv}, o.conversations...)
	if o.epoch != epoch || o.conversationID != "" {
		o.mu.Unlock()
		o.logger.Info("conversation created after switching away", zap.String("conversation_id", conv.ID))
		return conv.ID, true, nil
	}
	o.conversationID = conv.ID
	open := *conv
	o.conversation = &open
	o.emitLocked(model.ChatEvent{
		Type:           model.EventConversation,
		ConversationID: conv.ID,
		Title:          conv.Title,
	})
	o.unlockAndFlush()

	o.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	return conv.ID, true, nil
}

func (o *Orchestrator) generateTitle(ctx context.Context, convID string, exchange []model.Message) {
	ctx = context.WithoutCancel(ctx)

	o.titleWG.Add(1)
	go func() {
		defer o.titleWG.Done()

		ctx, cancel := context.WithTimeout(ctx, o.titleTimeout)
		defer cancel()
		ctx, span := o.tracer.Start(ctx, "orchestrator.title")
		defer span.End()

		title, err := o.titles.GenerateTitle(ctx, llm.ToChatMessages(exchange))
		if err != nil {
			metrics.TitleGenerationsTotal.WithLabelValues("failure").Inc()
			o.logger.Debug("title generation failed", zap.String("conversation_id", convID), zap.Error(err))
			return
		}

		if err := o.store.UpdateTitle(ctx, convID, title); err != nil {
			o.logger.Warn("failed to save conversation title", zap.String("conversation_id", convID), zap.Error(err))
		}
		o.applyTitle(convID, title)
		metrics.TitleGenerationsTotal.WithLabelValues("success").Inc()
	}()
}

// applyTitle touches title fields only; the message list belongs to the pipeline.
func (o *Orchestrator) applyTitle(convID, title string) {
	o.mu.Lock()
	if o.conversation != nil && o.conversation.ID == convID {
		updated := *o.conversation
		updated.Title = title
		o.conversation = &updated
	}
	list := slices.Clone(o.conversations)
	for i := range list {
		if list[i].ID == convID {
			list[i].Title = title
		}
	}
	o.conversations = list
	o.emitLocked(model.ChatEvent{
		Type:           model.EventTitle,
		ConversationID: convID,
		Title:          title,
	})
	o.unlockAndFlush()
}

// WaitForTitles blocks until detached title generations have finished.
func (o *Orchestrator) WaitForTitles() {
	o.titleWG.Wait()
}

// Open makes conversationID the open conversation, loading its messages from
// the cache or, on a miss, from the store.
func (o *Orchestrator) Open(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	busy := o.state.Busy()
	o.mu.Unlock()
	if busy {
		return ErrInFlight
	}

	msgs, ok := o.cache.Get(conversationID)
	if !ok {
		var err error
		msgs, err = o.store.GetMessages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		o.cache.Put(conversationID, msgs)
	}

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return ErrInFlight
	}
	o.conversationID = conversationID
	o.conversation = nil
	o.epoch++
	for _, c := range o.conversations {
		if c.ID == conversationID {
			conv := c
			o.conversation = &conv
			if c.ModelID != "" {
				o.lastModel = c.ModelID
			}
			break
		}
	}
	o.messages = msgs
	o.emitLocked(model.ChatEvent{Type: model.EventReset, ConversationID: conversationID})
	o.unlockAndFlush()

	return nil
}

// NewConversation closes the open conversation and clears the cache. An
// in-flight completion is not cancelled: it still saves its exchange to the
// conversation it was submitted for, but its list and cache updates are
// dropped and a conversation it creates is not opened.
func (o *Orchestrator) NewConversation() {
	o.mu.Lock()
	o.cache.Clear()
	o.conversationID = ""
	o.conversation = nil
	o.messages = nil
	o.epoch++
	o.emitLocked(model.ChatEvent{Type: model.EventReset})
	o.unlockAndFlush()
}

// Delete removes a conversation from the store and from local state.
func (o *Orchestrator) Delete(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	if o.state.Busy() && o.conversationID == conversationID {
		o.mu.Unlock()
		return ErrInFlight
	}
	o.mu.Unlock()

	owned, err := o.Owns(ctx, conversationID)
	if err != nil {
		return err
	}
	if !owned {
		return ErrNotOwner
	}

	if err := o.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	o.mu.Lock()
	o.cache.Remove(conversationID)
	o.conversations = slices.DeleteFunc(slices.Clone(o.conversations), func(c model.Conversation) bool {
		return c.ID == conversationID
	})
	if o.conversationID == conversationID {
		o.conversationID = ""
		o.conversation = nil
		o.messages = nil
		o.epoch++
		o.emitLocked(model.ChatEvent{Type: model.EventReset})
	}
	o.unlockAndFlush()

	return nil
}

// Owns reports whether conversationID belongs to the caller, reloading the
// conversation list once if it is not in the cached one.
func (o *Orchestrator) Owns(ctx context.Context, conversationID string) (bool, error) {
	has := func(list []model.Conversation) bool {
		return slices.ContainsFunc(list, func(c model.Conversation) bool { return c.ID == conversationID })
	}
	if has(o.Conversations()) {
		return true, nil
	}
	list, err := o.LoadConversations(ctx)
	if err != nil {
		return false, err
	}
	return has(list), nil
}

// LoadConversations refreshes the conversation list from the store.
func (o *Orchestrator) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	list, err := o.store.ListConversations(ctx, o.identity.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	o.mu.Lock()
	o.conversations = slices.Clone(list)
	o.mu.Unlock()

	return list, nil
}

// Conversations returns the last loaded conversation list.
func (o *Orchestrator) Conversations() []model.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.conversations)
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		State:          o.state,
		ConversationID: o.conversationID,
		Messages:       slices.Clone(o.messages),
		IsGenerating:   o.state.Busy(),
		Quota:          o.Quota(),
	}
	if s.Messages == nil {
		s.Messages = []model.Message{}
	}
	if o.conversation != nil {
		conv := *o.conversation
		s.Conversation = &conv
	}
	return s
}

// Quota describes the caller's remaining allowance.
func (o *Orchestrator) Quota() model.QuotaResponse {
	stats := o.quota.Stats()
	return model.QuotaResponse{
		Count:     stats.Count,
		Limit:     stats.Limit,
		Remaining: stats.Remaining(),
		ResetAt:   stats.ResetAt,
		CanSend:   o.quota.CanSend(),
		Unlimited: stats.Unlimited,
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsGenerating reports whether a pipeline is running.
func (o *Orchestrator) IsGenerating() bool {
	return o.State().Busy()
}

// Subscribe registers fn for every event and returns a function that removes
// it. fn runs on the goroutine that caused the event and must not call
// Submit, Regenerate, Open, NewConversation or Delete.
func (o *Orchestrator) Subscribe(fn func(model.ChatEvent)) func() {
	o.mu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners = append(o.listeners, listener{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		o.listeners = slices.DeleteFunc(slices.Clone(o.listeners), func(l listener) bool {
			return l.id == id
		})
		o.mu.Unlock()
	}
}

func (o *Orchestrator) beginLocked() uint64 {
	o.run++
	o.setStateLocked(StateValidating)
	return o.run
}

func (o *Orchestrator) pickModelLocked(modelID string) string {
	switch {
	case modelID != "":
	case o.lastModel != "":
		modelID = o.lastModel
	default:
		modelID = o.defaultModel
	}
	o.lastModel = modelID
	return modelID
}

func (o *Orchestrator) newMessage(role model.Role, content, modelID string) model.Message {
	return model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		ModelID:   modelID,
		CreatedAt: o.now(),
	}
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	o.emitLocked(model.ChatEvent{
		Type:           model.EventState,
		State:          string(s),
		ConversationID: o.conversationID,
	})
}

func (o *Orchestrator) appendLocked(msg model.Message) {
	next := make([]model.Message, len(o.messages), len(o.messages)+1)
	copy(next, o.messages)
	o.messages = append(next, msg)

	added := msg
	o.emitLocked(model.ChatEvent{
		Type:           model.EventMessageAdded,
		ConversationID: o.conversationID,
		MessageID:      msg.ID,
		Message:        &added,
	})
}

// updateMessageLocked replaces the message list with a copy in which the
// message with id has been changed by fn.
func (o *Orchestrator) updateMessageLocked(id string, fn func(*model.Message)) bool {
	i := slices.IndexFunc(o.messages, func(m model.Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	next := slices.Clone(o.messages)
	fn(&next[i])
	o.messages = next
	return true
}

func (o *Orchestrator) contentOf(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.messages {
		if m.ID == id {
			return m.Content
		}
	}
	return ""
}

// historyLocked returns the messages sent to the model: everything before
// the in-flight reply except failed turns.
func (o *Orchestrator) historyLocked(inFlightID string) []model.Message {
	history := make([]model.Message, 0, len(o.messages))
	for _, m := range o.messages {
		if m.ID == inFlightID {
			break
		}
		if !m.Failed {
			history = append(history, m)
		}
	}
	return history
}

// persistedCountLocked counts the listed messages that were saved to convID.
func (o *Orchestrator) persistedCountLocked(convID string) int {
	n := 0
	for _, m := range o.messages {
		if !m.Failed && m.ConversationID == convID {
			n++
		}
	}
	return n
}

// persistedLocked returns the messages that belong in the cache.
func (o *Orchestrator) persistedLocked(excludeID string) []model.Message {
	out := make([]model.Message, 0, len(o.messages))
	for _, m := range o.messages {
		if m.Failed || m.ID == excludeID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) cacheUserLocked(convID string, user model.Message, inFlightID string, created bool) {
	if created {
		o.cache.Put(convID, []model.Message{user})
		return
	}
	if !o.cache.Append(convID, user) {
		o.cache.Put(convID, o.persistedLocked(inFlightID))
	}
}

func (o *Orchestrator) emitLocked(ev model.ChatEvent) {
	o.pending = append(o.pending, ev)
}

// unlockAndFlush releases mu and delivers the events queued while it was held.
func (o *Orchestrator) unlockAndFlush() {
	events := o.pending
	o.pending = nil
	listeners := o.listeners

	o.emitMu.Lock()
	o.mu.Unlock()
	defer o.emitMu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.fn(ev)
		}
	}
}

func lastIndex(msgs []model.Message, before int, role model.Role) int {
	for i := before - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return i
		}
	}
	return -1
}

func provisionalTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > maxProvisionalTitleRunes {
		return strings.TrimSpace(string(runes[:maxProvisionalTitleRunes]))
	}
	return text
}
