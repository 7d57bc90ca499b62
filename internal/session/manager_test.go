package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *fakeClock) {
	t.Helper()
	m, err := NewManager(NewMemoryStore(), timeout, zerolog.Nop())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.now
	return m, clock
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, time.Minute, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewManager(NewMemoryStore(), 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestManager_CreateAndTouch(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 10*time.Minute)

	s, err := m.Create(ctx, "agent-7", "192.0.2.10")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "agent-7", s.AgentID)

	other, err := m.Create(ctx, "agent-7", "192.0.2.10")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)

	clock.advance(9 * time.Minute)
	touched, err := m.Touch(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.t, touched.LastSeen)
	assert.Equal(t, int64(1), touched.Beacons)

	// Touch pushed expiry out again.
	clock.advance(9 * time.Minute)
	_, err = m.Get(ctx, s.ID)
	assert.NoError(t, err)
}

func TestManager_ExpiredSessionIsNotRevived(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, time.Minute)

	s, err := m.Create(ctx, "agent", "peer")
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	_, err = m.Touch(ctx, s.ID)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = m.Touch(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, time.Minute)

	idle, err := m.Create(ctx, "idle", "peer")
	require.NoError(t, err)
	clock.advance(45 * time.Second)
	active, err := m.Create(ctx, "active", "peer")
	require.NoError(t, err)

	clock.advance(30 * time.Second)
	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, active.ID)
	assert.NoError(t, err)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestManager_SweepReportsStoreFailure(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	require.NoError(t, m.Close())

	_, err := m.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
}
