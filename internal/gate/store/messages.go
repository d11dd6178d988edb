package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentMessage is a direct message between two agents. Status is one of
// "pending" (supervised mode only), "delivered", or "rejected".
type AgentMessage struct {
	ID              int64
	FromAgent       string
	ToAgent         string
	Body            string
	Status          string
	RejectionReason *string
	CreatedAt       time.Time
	DeliveredAt     *time.Time
	ReadAt          *time.Time
}

const messageColumns = `id, from_agent, to_agent, body, status, rejection_reason,
	       created_at, delivered_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (*AgentMessage, error) {
	m := &AgentMessage{}
	var createdAt string
	var rejection, deliveredAt, readAt sql.NullString
	if err := row.Scan(
		&m.ID, &m.FromAgent, &m.ToAgent, &m.Body, &m.Status, &rejection,
		&createdAt, &deliveredAt, &readAt,
	); err != nil {
		return nil, err
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return nil, err
	}
	if m.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, err
	}
	if rejection.Valid {
		m.RejectionReason = &rejection.String
	}
	return m, nil
}

// InsertMessage persists a new message with the given initial status
// ("pending" under supervised mode, "delivered" under open mode) and fills
// in its ID and timestamps.
func (s *Store) InsertMessage(ctx context.Context, m *AgentMessage) error {
	m.CreatedAt = time.Now().UTC().Truncate(time.Second)
	var deliveredAt any
	if m.Status == "delivered" {
		t := m.CreatedAt
		m.DeliveredAt = &t
		deliveredAt = fmtTime(t)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (from_agent, to_agent, body, status, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.FromAgent, m.ToAgent, m.Body, m.Status, fmtTime(m.CreatedAt), deliveredAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert message: last insert id: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id int64) (*AgentMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM agent_messages
		WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// ListMessagesTo returns delivered messages addressed to the agent
// (case-insensitive), newest first. With unreadOnly set, already-read
// messages are excluded. Pending messages are never visible to recipients.
func (s *Store) ListMessagesTo(ctx context.Context, agent string, unreadOnly bool) ([]*AgentMessage, error) {
	q := `SELECT ` + messageColumns + `
		FROM agent_messages
		WHERE LOWER(to_agent) = LOWER(?) AND status = 'delivered'`
	if unreadOnly {
		q += ` AND read_at IS NULL`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, q, agent)
	if err != nil {
		return nil, fmt.Errorf("list messages to %q: %w", agent, err)
	}
	defer rows.Close()

	var msgs []*AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListMessagesFrom returns messages sent by the agent, newest first. Used by
// the sender-facing status view (shows pending/rejected outcomes).
func (s *Store) ListMessagesFrom(ctx context.Context, agent string) ([]*AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM agent_messages
		WHERE LOWER(from_agent) = LOWER(?)
		ORDER BY created_at DESC, id DESC LIMIT 100
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("list messages from %q: %w", agent, err)
	}
	defer rows.Close()

	var msgs []*AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListPendingMessages returns all pending messages, oldest first. This is
// the human reviewer's inbox under supervised mode.
func (s *Store) ListPendingMessages(ctx context.Context) ([]*AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM agent_messages
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []*AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MarkMessageDelivered transitions pending → delivered.
func (s *Store) MarkMessageDelivered(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_messages
		SET status = 'delivered', delivered_at = ?
		WHERE id = ? AND status = 'pending'
	`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("deliver message %d: %w", id, err)
	}
	return s.requireMessageRow(ctx, res, id)
}

// MarkMessageRejected transitions pending → rejected with a reason.
func (s *Store) MarkMessageRejected(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_messages
		SET status = 'rejected', rejection_reason = ?
		WHERE id = ? AND status = 'pending'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("reject message %d: %w", id, err)
	}
	return s.requireMessageRow(ctx, res, id)
}

// MarkMessageRead sets read_at on a delivered, unread message addressed to
// the agent. A second call finds no matching row and returns ErrNotFound,
// which callers surface as "not found or already read".
func (s *Store) MarkMessageRead(ctx context.Context, id int64, agent string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_messages
		SET read_at = ?
		WHERE id = ? AND LOWER(to_agent) = LOWER(?)
		  AND status = 'delivered' AND read_at IS NULL
	`, fmtTime(time.Now()), id, agent)
	if err != nil {
		return fmt.Errorf("mark message %d read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountUnreadMessages returns the number of delivered, unread messages for
// the agent.
func (s *Store) CountUnreadMessages(ctx context.Context, agent string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_messages
		WHERE LOWER(to_agent) = LOWER(?) AND status = 'delivered' AND read_at IS NULL
	`, agent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread for %q: %w", agent, err)
	}
	return n, nil
}

// requireMessageRow converts a zero-rows-affected transition into an error
// that distinguishes missing rows from already-resolved ones.
func (s *Store) requireMessageRow(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		existing, lookupErr := s.GetMessage(ctx, id)
		if lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("message %d is already %s: %w", id, existing.Status, ErrIllegalState)
	}
	return nil
}
