package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a SQLite file so registrations survive a
// collector restart. Times are stored as Unix nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLiteStore opens (or creates) the database at path and its schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir failed: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite failed: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			peer_addr TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			beacons INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_last_seen ON agent_sessions(last_seen);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_sessions (id, agent_id, peer_addr, created_at, last_seen, beacons)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.PeerAddr, sess.CreatedAt.UnixNano(), sess.LastSeen.UnixNano(), sess.Beacons,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var (
		sess              Session
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, peer_addr, created_at, last_seen, beacons FROM agent_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.AgentID, &sess.PeerAddr, &created, &lastSeen, &sess.Beacons)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.LastSeen = time.Unix(0, lastSeen)
	return &sess, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET last_seen = ?, beacons = beacons + 1 WHERE id = ?`, at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE last_seen < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
