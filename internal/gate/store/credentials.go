package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is one (service, account) row. Data is an opaque JSON bag with
// token lifecycle fields; the vault owns its shape and may store it
// encrypted.
type Credential struct {
	Service     string
	AccountName string
	Data        string
	UpdatedAt   time.Time
}

// UpsertCredential creates or replaces the credential for (service, account).
func (s *Store) UpsertCredential(ctx context.Context, service, account, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (service, account_name, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, account_name) DO UPDATE SET
			data       = excluded.data,
			updated_at = excluded.updated_at
	`, service, account, data, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert credential %s/%s: %w", service, account, err)
	}
	return nil
}

// GetCredential retrieves the credential for (service, account).
func (s *Store) GetCredential(ctx context.Context, service, account string) (*Credential, error) {
	c := &Credential{Service: service, AccountName: account}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM credentials
		WHERE service = ? AND account_name = ?
	`, service, account).Scan(&c.Data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s/%s: %w", service, account, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s: %w", service, account, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCredential removes the credential row. Idempotent.
func (s *Store) DeleteCredential(ctx context.Context, service, account string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE service = ? AND account_name = ?`, service, account)
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", service, account, err)
	}
	return nil
}

// ListCredentialAccounts returns the configured account names for a service.
func (s *Store) ListCredentialAccounts(ctx context.Context, service string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_name FROM credentials
		WHERE service = ?
		ORDER BY account_name
	`, service)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", service, err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}
