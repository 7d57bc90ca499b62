// Package session keeps agent session state between requests.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned for a session idle longer than the timeout.
	ErrExpired = errors.New("session expired")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("session store is closed")
)

// Session is one registered agent.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	PeerAddr  string    `json:"peer_addr"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	Beacons   int64     `json:"beacons"`
}

// Store persists sessions. Implementations must be safe for concurrent use;
// they are called from worker pool goroutines.
type Store interface {
	// Save inserts or replaces s.
	Save(ctx context.Context, s *Session) error

	// Load returns ErrNotFound when id is unknown.
	Load(ctx context.Context, id string) (*Session, error)

	// Touch sets LastSeen and counts one beacon. Returns ErrNotFound when id is unknown.
	Touch(ctx context.Context, id string, at time.Time) error

	// DeleteIdle removes sessions last seen before cutoff and reports how many.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)

	Count(ctx context.Context) (int, error)

	Close() error
}
