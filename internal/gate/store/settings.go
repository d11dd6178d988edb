package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSettingNotFound is returned by GetSetting when the key has never been
// set.
var ErrSettingNotFound = errors.New("store: setting not found")

// GetSetting returns the raw value stored under key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts the key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key. Idempotent.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

// WebhookLogEntry records one inbound webhook delivery outcome — accepted or
// rejected, per fan-out target when one applies.
type WebhookLogEntry struct {
	ID         int64
	Source     string
	Event      string
	DeliveryID string
	Target     string
	Outcome    string
	Error      string
	CreatedAt  time.Time
}

// InsertWebhookLog appends a webhook delivery log row.
func (s *Store) InsertWebhookLog(ctx context.Context, e *WebhookLogEntry) error {
	var deliveryID, target, errText any
	if e.DeliveryID != "" {
		deliveryID = e.DeliveryID
	}
	if e.Target != "" {
		target = e.Target
	}
	if e.Error != "" {
		errText = e.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_log (source, event, delivery_id, target, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Source, e.Event, deliveryID, target, e.Outcome, errText, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// ListWebhookLog returns recent webhook log rows, newest first.
func (s *Store) ListWebhookLog(ctx context.Context, limit int) ([]*WebhookLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, event, delivery_id, target, outcome, error, created_at
		FROM webhook_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook log: %w", err)
	}
	defer rows.Close()

	var entries []*WebhookLogEntry
	for rows.Next() {
		e := &WebhookLogEntry{}
		var deliveryID, target, errText sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Source, &e.Event, &deliveryID, &target, &e.Outcome, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		e.DeliveryID = deliveryID.String
		e.Target = target.String
		e.Error = errText.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook log: %w", err)
	}
	return entries, nil
}
