package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/cache"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/quota"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

// SessionConfig holds what every session orchestrator is built from.
type SessionConfig struct {
	Store      orchestrator.Store
	Streamer   orchestrator.Streamer
	Titles     orchestrator.TitleGenerator
	QuotaStore quota.Store

	AnonDailyLimit        int
	QuotaResetHour        int
	CacheMaxConversations int
	DefaultModel          string
	CompletionTimeout     time.Duration

	Logger *logger.Logger
}

type session struct {
	orch     *orchestrator.Orchestrator
	lastSeen time.Time
}

// SessionManager keeps one orchestrator per identity.
type SessionManager struct {
	cfg    SessionConfig
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.QuotaStore == nil {
		cfg.QuotaStore = quota.NewMemoryStore()
	}

	return &SessionManager{
		cfg:      cfg,
		logger:   cfg.Logger.Named("sessions"),
		sessions: make(map[string]*session),
	}
}

// Get returns the orchestrator for id, creating it on first use.
func (m *SessionManager) Get(ctx context.Context, id orchestrator.Identity) *orchestrator.Orchestrator {
	key := sessionKey(id)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.lastSeen = time.Now()
		m.mu.Unlock()
		return s.orch
	}

	s := &session{orch: m.newOrchestrator(ctx, id), lastSeen: time.Now()}
	m.sessions[key] = s
	m.mu.Unlock()

	if _, err := s.orch.LoadConversations(ctx); err != nil {
		m.logger.Warn("failed to load conversations", zap.String("owner_id", id.OwnerID), zap.Error(err))
	}

	m.logger.Debug("session started", zap.String("session", key))
	return s.orch
}

func (m *SessionManager) newOrchestrator(ctx context.Context, id orchestrator.Identity) *orchestrator.Orchestrator {
	var tracker orchestrator.QuotaTracker
	if id.Anonymous {
		tracker = quota.NewTracker(ctx, sessionKey(id), m.cfg.AnonDailyLimit,
			quota.WithStore(m.cfg.QuotaStore),
			quota.WithResetHour(m.cfg.QuotaResetHour),
			quota.WithLogger(m.cfg.Logger.Named("quota")),
		)
	}

	return orchestrator.New(orchestrator.Options{
		Identity:     id,
		Store:        m.cfg.Store,
		Streamer:     m.cfg.Streamer,
		Titles:       m.cfg.Titles,
		Quota:        tracker,
		Cache:        cache.New(m.cfg.CacheMaxConversations),
		Logger:       m.cfg.Logger,
		DefaultModel: m.cfg.DefaultModel,
		Timeout:      m.cfg.CompletionTimeout,
	})
}

// Prune drops sessions idle for longer than maxIdle that are not generating.
// It returns how many were dropped.
func (m *SessionManager) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, s := range m.sessions {
		if s.lastSeen.Before(cutoff) && !s.orch.IsGenerating() {
			delete(m.sessions, key)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Wait blocks until every session's detached title work has finished.
func (m *SessionManager) Wait() {
	m.mu.Lock()
	orchs := make([]*orchestrator.Orchestrator, 0, len(m.sessions))
	for _, s := range m.sessions {
		orchs = append(orchs, s.orch)
	}
	m.mu.Unlock()

	for _, o := range orchs {
		o.WaitForTitles()
	}
}

func sessionKey(id orchestrator.Identity) string {
	if id.Anonymous {
		return "anon:" + id.OwnerID
	}
	return "user:" + id.OwnerID
}
