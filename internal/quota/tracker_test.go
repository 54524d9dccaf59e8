package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type failingStore struct{}

func (failingStore) Load(ctx context.Context, key string) (*Usage, error) {
	return nil, errors.New("disk unavailable")
}

func (failingStore) Save(ctx context.Context, key string, usage Usage) error {
	return errors.New("disk unavailable")
}

func TestTracker_AllowsUpToLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	tr := NewTracker(context.Background(), "anon-1", 20, WithClock(clock.Now))

	for i := 0; i < 19; i++ {
		tr.RecordSend()
	}
	assert.True(t, tr.CanSend())

	tr.RecordSend()
	assert.False(t, tr.CanSend())
	assert.Equal(t, 20, tr.Stats().Count)
	assert.Equal(t, 0, tr.Stats().Remaining())
}

func TestTracker_ResetsAfterBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	tr := NewTracker(context.Background(), "anon-1", 3, WithClock(clock.Now), WithStore(store))

	for i := 0; i < 3; i++ {
		tr.RecordSend()
	}
	require.False(t, tr.CanSend())
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), tr.Stats().ResetAt)

	clock.now = time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
	assert.True(t, tr.CanSend())
	assert.Equal(t, 0, tr.Stats().Count)

	tr.RecordSend()
	stats := tr.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), stats.ResetAt)

	saved, err := store.Load(context.Background(), "anon-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Count)
}

func TestTracker_LoadsPersistedUsage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "anon-2", Usage{
		Count:   20,
		ResetAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}))

	tr := NewTracker(context.Background(), "anon-2", 20, WithClock(clock.Now), WithStore(store))
	assert.False(t, tr.CanSend())
}

func TestTracker_StoreFailuresAreSwallowed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	tr := NewTracker(context.Background(), "anon-3", 2, WithClock(clock.Now), WithStore(failingStore{}))

	assert.True(t, tr.CanSend())
	tr.RecordSend()
	tr.RecordSend()
	assert.False(t, tr.CanSend())
}

func TestTracker_ResetHour(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 5, 30, 0, 0, time.UTC)}
	tr := NewTracker(context.Background(), "anon-4", 5, WithClock(clock.Now), WithResetHour(6))

	assert.Equal(t, time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), tr.Stats().ResetAt)
}

func TestUnlimited(t *testing.T) {
	tr := Unlimited()
	for i := 0; i < 100; i++ {
		tr.RecordSend()
	}
	assert.True(t, tr.CanSend())
	assert.True(t, tr.IsUnlimited())
	assert.True(t, tr.Stats().Unlimited)
	assert.Equal(t, -1, tr.Stats().Remaining())
}

func TestNextReset(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
			hour: 4,
			want: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "already passed",
			now:  time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
			hour: 4,
			want: time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly on the hour",
			now:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			hour: 0,
			want: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextReset(tt.now, tt.hour, time.UTC))
		})
	}
}

func TestStats_ExhaustedMessage(t *testing.T) {
	s := Stats{Count: 20, Limit: 20, ResetAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	msg := s.ExhaustedMessage()
	assert.Contains(t, msg, "20")
	assert.Contains(t, msg, "00:00 UTC on Mar 2")
}
