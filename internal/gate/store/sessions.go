package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is the durable half of a tool-dispatch session. The in-memory
// entry held by the session manager is a cache; this row is authoritative
// and allows lazy reconstruction after a restart.
type Session struct {
	SessionID string
	AgentName string
	CreatedAt time.Time
	LastSeen  time.Time
}

// InsertSession persists a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_name, created_at, last_seen)
		VALUES (?, ?, ?, ?)
	`, sess.SessionID, sess.AgentName, fmtTime(sess.CreatedAt), fmtTime(sess.LastSeen))
	if err != nil {
		return fmt.Errorf("insert session %q: %w", sess.SessionID, err)
	}
	return nil
}

// GetSession retrieves a session row by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	var createdAt, lastSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_name, created_at, last_seen
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.AgentName, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	return sess, nil
}

// TouchSession updates the persisted last_seen timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen = ? WHERE session_id = ?
	`, fmtTime(lastSeen), sessionID)
	if err != nil {
		return fmt.Errorf("touch session %q: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session row. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	return nil
}

// DeleteAgentSessions removes every session row bound to the named agent and
// returns their ids so the manager can close the matching transports.
func (s *Store) DeleteAgentSessions(ctx context.Context, agent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions WHERE LOWER(agent_name) = LOWER(?)
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %q: %w", agent, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE LOWER(agent_name) = LOWER(?)`, agent); err != nil {
		return nil, fmt.Errorf("delete sessions for %q: %w", agent, err)
	}
	return ids, nil
}

// DeleteExpiredSessions removes rows whose last_seen is before cutoff and
// returns the removed ids.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions WHERE last_seen < ?
	`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE last_seen < ?`, fmtTime(cutoff)); err != nil {
			return nil, fmt.Errorf("delete expired sessions: %w", err)
		}
	}
	return ids, nil
}

// CountSessions returns the number of persisted sessions.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
