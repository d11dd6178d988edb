package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AccessPolicy controls which agents may use a (service, account) pair.
// Mode is one of "all", "allowlist", "denylist"; AgentList is consulted for
// the latter two. The default when no row exists is mode "all".
type AccessPolicy struct {
	Service     string
	AccountName string
	Mode        string
	AgentList   []string
}

// GetAccessPolicy returns the policy for (service, account), or the default
// all-access policy when none is stored.
func (s *Store) GetAccessPolicy(ctx context.Context, service, account string) (*AccessPolicy, error) {
	p := &AccessPolicy{Service: service, AccountName: account, Mode: "all"}
	var listJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT mode, agent_list FROM service_access
		WHERE service = ? AND account_name = ?
	`, service, account).Scan(&p.Mode, &listJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access policy %s/%s: %w", service, account, err)
	}
	if err := json.Unmarshal([]byte(listJSON), &p.AgentList); err != nil {
		return nil, fmt.Errorf("decode agent list for %s/%s: %w", service, account, err)
	}
	return p, nil
}

// SetAccessPolicy upserts the policy row. Admin only.
func (s *Store) SetAccessPolicy(ctx context.Context, p *AccessPolicy) error {
	listJSON, err := json.Marshal(p.AgentList)
	if err != nil {
		return fmt.Errorf("encode agent list: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_access (service, account_name, mode, agent_list)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, account_name) DO UPDATE SET
			mode       = excluded.mode,
			agent_list = excluded.agent_list
	`, p.Service, p.AccountName, p.Mode, string(listJSON))
	if err != nil {
		return fmt.Errorf("set access policy %s/%s: %w", p.Service, p.AccountName, err)
	}
	return nil
}

// GetBypass reports whether the agent has the bypass-auth flag set for
// (service, account). Missing row means false.
func (s *Store) GetBypass(ctx context.Context, service, account, agent string) (bool, error) {
	var bypass bool
	err := s.db.QueryRowContext(ctx, `
		SELECT bypass_auth FROM service_bypass
		WHERE service = ? AND account_name = ? AND LOWER(agent_name) = LOWER(?)
	`, service, account, agent).Scan(&bypass)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get bypass %s/%s/%s: %w", service, account, agent, err)
	}
	return bypass, nil
}

// SetBypass upserts the per-agent bypass flag. Admin only.
func (s *Store) SetBypass(ctx context.Context, service, account, agent string, bypass bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_bypass (service, account_name, agent_name, bypass_auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, account_name, agent_name) DO UPDATE SET
			bypass_auth = excluded.bypass_auth
	`, service, account, agent, bypass)
	if err != nil {
		return fmt.Errorf("set bypass %s/%s/%s: %w", service, account, agent, err)
	}
	return nil
}
