package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager applies the idle timeout on top of a Store.
//
// A session is live while now-LastSeen <= timeout. Touch refreshes it;
// Sweep (run by the scheduler every minute) deletes the rest.
type Manager struct {
	store   Store
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager wraps store. timeout must be positive.
func NewManager(store Store, timeout time.Duration, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("session: non-positive timeout %s", timeout)
	}
	return &Manager{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "sessions").Logger(),
		now:     time.Now,
	}, nil
}

// Timeout is the idle period after which a session expires.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Create registers a new session for agentID connecting from peer.
func (m *Manager) Create(ctx context.Context, agentID, peer string) (*Session, error) {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		PeerAddr:  peer,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("session_id", s.ID).
		Str("agent_id", agentID).
		Str("peer", peer).
		Msg("Agent session created")
	return s, nil
}

// Get returns a live session, ErrNotFound, or ErrExpired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.expired(s) {
		return nil, ErrExpired
	}
	return s, nil
}

// Touch records a beacon on a live session and returns its updated state.
// An expired session is not revived; the next Sweep removes it.
func (m *Manager) Touch(ctx context.Context, id string) (*Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := m.store.Touch(ctx, id, now); err != nil {
		return nil, err
	}
	s.LastSeen = now
	s.Beacons++
	return s, nil
}

// Sweep deletes every session idle longer than the timeout.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteIdle(ctx, m.now().Add(-m.timeout))
	if err != nil {
		return 0, fmt.Errorf("session sweep: %w", err)
	}
	monitoring.AddSessionsExpired(removed)

	active, err := m.store.Count(ctx)
	if err != nil {
		return removed, fmt.Errorf("session count: %w", err)
	}
	monitoring.SetSessionsActive(active)

	if removed > 0 {
		m.logger.Info().Int("expired", removed).Int("active", active).Msg("Expired idle sessions")
	} else {
		m.logger.Debug().Int("active", active).Msg("Session sweep found nothing to expire")
	}
	return removed, nil
}

// Count reports stored sessions, including expired ones not yet swept.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) expired(s *Session) bool {
	return m.now().Sub(s.LastSeen) > m.timeout
}
