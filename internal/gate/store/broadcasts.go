package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Broadcast is the parent record of a fan-out to multiple agents.
type Broadcast struct {
	ID              int64
	FromAgent       string
	Body            string
	TotalRecipients int
	CreatedAt       time.Time
}

// BroadcastRecipient records the delivery outcome for one target agent.
// Status is "delivered" or "failed".
type BroadcastRecipient struct {
	BroadcastID int64
	ToAgent     string
	Status      string
	Error       *string
}

// InsertBroadcast persists the parent broadcast row and fills in its ID.
func (s *Store) InsertBroadcast(ctx context.Context, b *Broadcast) error {
	b.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (from_agent, body, total_recipients, created_at)
		VALUES (?, ?, ?, ?)
	`, b.FromAgent, b.Body, b.TotalRecipients, fmtTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert broadcast: last insert id: %w", err)
	}
	return nil
}

// InsertBroadcastRecipient records one per-target delivery outcome.
func (s *Store) InsertBroadcastRecipient(ctx context.Context, r *BroadcastRecipient) error {
	var errText any
	if r.Error != nil {
		errText = *r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_recipients (broadcast_id, to_agent, status, error)
		VALUES (?, ?, ?, ?)
	`, r.BroadcastID, r.ToAgent, r.Status, errText)
	if err != nil {
		return fmt.Errorf("insert broadcast recipient: %w", err)
	}
	return nil
}

// GetBroadcast retrieves a broadcast with its recipient outcomes.
func (s *Store) GetBroadcast(ctx context.Context, id int64) (*Broadcast, []*BroadcastRecipient, error) {
	b := &Broadcast{}
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_agent, body, total_recipients, created_at
		FROM broadcasts
		WHERE id = ?
	`, id).Scan(&b.ID, &b.FromAgent, &b.Body, &b.TotalRecipients, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("broadcast %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get broadcast %d: %w", id, err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT broadcast_id, to_agent, status, error
		FROM broadcast_recipients
		WHERE broadcast_id = ?
		ORDER BY LOWER(to_agent)
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get broadcast %d recipients: %w", id, err)
	}
	defer rows.Close()

	var recipients []*BroadcastRecipient
	for rows.Next() {
		r := &BroadcastRecipient{}
		var errText sql.NullString
		if err := rows.Scan(&r.BroadcastID, &r.ToAgent, &r.Status, &errText); err != nil {
			return nil, nil, fmt.Errorf("scan broadcast recipient: %w", err)
		}
		if errText.Valid {
			r.Error = &errText.String
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate broadcast recipients: %w", err)
	}
	return b, recipients, nil
}

// ListBroadcastsInvolving returns broadcasts the agent sent or received,
// newest first.
func (s *Store) ListBroadcastsInvolving(ctx context.Context, agent string, limit int) ([]*Broadcast, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT b.id, b.from_agent, b.body, b.total_recipients, b.created_at
		FROM broadcasts b
		LEFT JOIN broadcast_recipients r ON r.broadcast_id = b.id
		WHERE LOWER(b.from_agent) = LOWER(?) OR LOWER(r.to_agent) = LOWER(?)
		ORDER BY b.created_at DESC, b.id DESC
		LIMIT ?
	`, agent, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts for %q: %w", agent, err)
	}
	defer rows.Close()

	var broadcasts []*Broadcast
	for rows.Next() {
		b := &Broadcast{}
		var createdAt string
		if err := rows.Scan(&b.ID, &b.FromAgent, &b.Body, &b.TotalRecipients, &createdAt); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		broadcasts = append(broadcasts, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}
	return broadcasts, nil
}
