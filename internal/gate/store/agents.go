package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Agent is a registered automated client authenticated by a bearer key.
// The raw key is never stored; KeyHash is its SHA-256 hex digest and
// KeyPrefix the first characters shown in admin listings.
type Agent struct {
	ID           int64
	Name         string
	KeyHash      string
	KeyPrefix    string
	Bio          sql.NullString
	WebhookURL   sql.NullString
	WebhookToken sql.NullString
	Enabled      bool
	RawResults   bool
	Deleted      bool
	CreatedAt    time.Time
}

// HasWebhook reports whether the agent has a webhook URL configured.
func (a *Agent) HasWebhook() bool {
	return a.WebhookURL.Valid && a.WebhookURL.String != ""
}

const agentColumns = `id, name, key_hash, key_prefix, bio, webhook_url, webhook_token,
	       enabled, raw_results, deleted, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	a := &Agent{}
	var createdAt string
	if err := row.Scan(
		&a.ID, &a.Name, &a.KeyHash, &a.KeyPrefix, &a.Bio, &a.WebhookURL,
		&a.WebhookToken, &a.Enabled, &a.RawResults, &a.Deleted, &createdAt,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = t
	return a, nil
}

// CreateAgent inserts a new agent. Name uniqueness is case-insensitive and
// enforced by the schema.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	agent.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, key_hash, key_prefix, bio, webhook_url, webhook_token,
		                    enabled, raw_results, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, agent.Name, agent.KeyHash, agent.KeyPrefix, agent.Bio, agent.WebhookURL,
		agent.WebhookToken, agent.Enabled, agent.RawResults, fmtTime(agent.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent %q: %w", agent.Name, err)
	}
	agent.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create agent %q: last insert id: %w", agent.Name, err)
	}
	return nil
}

// GetAgentByName retrieves a non-deleted agent by name (case-insensitive).
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE LOWER(name) = LOWER(?) AND deleted = 0
	`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", name, err)
	}
	return a, nil
}

// GetAgentByKeyHash retrieves a non-deleted agent by its hashed bearer key.
// This is the authentication lookup used by the HTTP edge on every request.
func (s *Store) GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE key_hash = ? AND deleted = 0
	`, keyHash)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by key: %w", err)
	}
	return a, nil
}

// ListAgents returns all non-deleted agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE deleted = 0
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// ListBroadcastTargets returns enabled, non-deleted agents that have a
// webhook URL configured, excluding the named sender (case-insensitive).
func (s *Store) ListBroadcastTargets(ctx context.Context, excludeName string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE deleted = 0 AND enabled = 1
		  AND webhook_url IS NOT NULL AND webhook_url != ''
		  AND LOWER(name) != LOWER(?)
		ORDER BY LOWER(name)
	`, excludeName)
	if err != nil {
		return nil, fmt.Errorf("list broadcast targets: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentProfile updates the mutable admin-editable fields.
func (s *Store) UpdateAgentProfile(ctx context.Context, name string, bio, webhookURL, webhookToken sql.NullString, enabled, rawResults bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET bio = ?, webhook_url = ?, webhook_token = ?, enabled = ?, raw_results = ?
		WHERE LOWER(name) = LOWER(?) AND deleted = 0
	`, bio, webhookURL, webhookToken, enabled, rawResults, name)
	if err != nil {
		return fmt.Errorf("update agent %q: %w", name, err)
	}
	return requireRow(res, name)
}

// SoftDeleteAgent marks an agent deleted. Rows referencing the agent by name
// (queue entries, messages, mementos) are preserved.
func (s *Store) SoftDeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET deleted = 1, enabled = 0
		WHERE LOWER(name) = LOWER(?) AND deleted = 0
	`, name)
	if err != nil {
		return fmt.Errorf("delete agent %q: %w", name, err)
	}
	return requireRow(res, name)
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return nil
}
