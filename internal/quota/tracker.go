// Package quota tracks the daily message allowance of anonymous callers.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/pkg/logger"
)

const (
	// DefaultLimit is the number of messages an anonymous caller may send per day.
	DefaultLimit = 20

	saveTimeout = 5 * time.Second
)

// Usage is the persisted state of one tracker.
type Usage struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Stats is a read-only view of a tracker.
type Stats struct {
	Count     int
	Limit     int
	ResetAt   time.Time
	Unlimited bool
}

// Remaining returns how many sends are left before the limit.
func (s Stats) Remaining() int {
	if s.Unlimited {
		return -1
	}
	if r := s.Limit - s.Count; r > 0 {
		return r
	}
	return 0
}

// ExhaustedMessage is the assistant text shown once the limit is reached.
func (s Stats) ExhaustedMessage() string {
	return fmt.Sprintf(
		"You've reached the limit of %d free messages for today. Your quota resets at %s. Sign in to keep chatting.",
		s.Limit, s.ResetAt.UTC().Format("15:04 MST on Jan 2"),
	)
}

// Tracker counts sends against a limit that resets at a fixed wall-clock hour.
type Tracker struct {
	mu        sync.Mutex
	key       string
	limit     int
	resetHour int
	location  *time.Location
	now       func() time.Time
	store     Store
	logger    *logger.Logger
	unlimited bool

	usage Usage
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStore persists usage through store.
func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithResetHour sets the hour (0-23) at which the count resets.
func WithResetHour(hour int) Option {
	return func(t *Tracker) {
		if hour >= 0 && hour < 24 {
			t.resetHour = hour
		}
	}
}

// WithLocation sets the time zone the reset hour is interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.location = loc
		}
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(log *logger.Logger) Option {
	return func(t *Tracker) { t.logger = log }
}

// NewTracker creates a tracker for key and loads its usage from the store.
// A missing or unreadable record starts a fresh window.
func NewTracker(ctx context.Context, key string, limit int, opts ...Option) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}

	t := &Tracker{
		key:      key,
		limit:    limit,
		location: time.UTC,
		now:      time.Now,
		store:    NewMemoryStore(),
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.usage = Usage{ResetAt: NextReset(t.now(), t.resetHour, t.location)}

	stored, err := t.store.Load(ctx, key)
	switch {
	case err == nil && stored != nil:
		t.usage = *stored
	case err != nil && !errors.Is(err, ErrNotFound):
		t.logger.Warn("failed to load quota usage", zap.String("key", key), zap.Error(err))
	}

	return t
}

// Unlimited returns a tracker for authenticated identities: it always allows
// sending and never records anything.
func Unlimited() *Tracker {
	return &Tracker{
		unlimited: true,
		now:       time.Now,
		location:  time.UTC,
		logger:    logger.NewNop(),
	}
}

// CanSend reports whether another message may be sent. A window whose reset
// time has passed counts as empty.
func (t *Tracker) CanSend() bool {
	if t.unlimited {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentCountLocked() < t.limit
}

// RecordSend counts one message, starting a new window first when the reset
// time has been crossed.
func (t *Tracker) RecordSend() {
	if t.unlimited {
		return
	}

	t.mu.Lock()
	now := t.now()
	if !now.Before(t.usage.ResetAt) {
		t.usage = Usage{ResetAt: NextReset(now, t.resetHour, t.location)}
	}
	t.usage.Count++
	snapshot := t.usage
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := t.store.Save(ctx, t.key, snapshot); err != nil {
		t.logger.Warn("failed to save quota usage", zap.String("key", t.key), zap.Error(err))
	}
}

// Stats returns the current count, limit and reset time.
func (t *Tracker) Stats() Stats {
	if t.unlimited {
		return Stats{Unlimited: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	resetAt := t.usage.ResetAt
	if !t.now().Before(resetAt) {
		resetAt = NextReset(t.now(), t.resetHour, t.location)
	}
	return Stats{
		Count:   t.currentCountLocked(),
		Limit:   t.limit,
		ResetAt: resetAt,
	}
}

// IsUnlimited reports whether the tracker bypasses counting.
func (t *Tracker) IsUnlimited() bool {
	return t.unlimited
}

func (t *Tracker) currentCountLocked() int {
	if !t.now().Before(t.usage.ResetAt) {
		return 0
	}
	return t.usage.Count
}

// NextReset returns the first instant strictly after now at which the clock in
// loc reads hour:00.
func NextReset(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
