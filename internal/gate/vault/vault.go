// Package vault stores per-(service, account) credentials and turns them
// into request authorization on demand. Reads have refresh-on-expired
// semantics: an expired OAuth token is exchanged via the provider's refresh
// endpoint and the new token persisted before the caller sees it.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentgate/agentgate/common/crypto"
	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrNoCredential is returned when no row exists for (service, account).
	ErrNoCredential = errors.New("vault: account not configured")
	// ErrTokenUnavailable is returned when a refresh or session exchange
	// fails. The executor maps it to a 401-equivalent result.
	ErrTokenUnavailable = errors.New("vault: token unavailable")
)

const encPrefix = "enc:"

// Options configures a Vault.
type Options struct {
	// MasterKeyHex, when set, enables AES-GCM encryption of credential
	// rows at rest (64 hex chars / 32 bytes).
	MasterKeyHex string
	// HTTPClient is used for refresh and session calls. Defaults to a
	// 30-second-timeout client.
	HTTPClient *http.Client
	// TokenEndpoints overrides provider token URLs, keyed by service
	// DBKey. Tests point these at local fakes.
	TokenEndpoints map[string]string
}

// Vault is safe for concurrent use. Concurrent refreshes for the same
// (service, account) collapse into one upstream exchange.
type Vault struct {
	store     *store.Store
	http      *http.Client
	masterKey []byte
	endpoints map[string]string
	refresh   singleflight.Group
}

// New builds a Vault over the store.
func New(st *store.Store, opts Options) (*Vault, error) {
	v := &Vault{
		store:     st,
		http:      opts.HTTPClient,
		endpoints: opts.TokenEndpoints,
	}
	if v.http == nil {
		v.http = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MasterKeyHex != "" {
		key, err := crypto.ParseMasterKey(opts.MasterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("vault master key: %w", err)
		}
		v.masterKey = key
	}
	return v, nil
}

// SetCredential stores the data bag for (service, account), encrypting it
// when a master key is configured.
func (v *Vault) SetCredential(ctx context.Context, service, account string, data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	blob := string(raw)
	if v.masterKey != nil {
		ct, err := crypto.Encrypt(v.masterKey, raw)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		blob = encPrefix + base64.StdEncoding.EncodeToString(ct)
	}
	return v.store.UpsertCredential(ctx, service, account, blob)
}

// Credential returns the decrypted data bag for (service, account).
// Plaintext rows are accepted even when a master key is configured, so
// enabling encryption does not invalidate existing rows.
func (v *Vault) Credential(ctx context.Context, service, account string) (map[string]string, error) {
	row, err := v.store.GetCredential(ctx, service, account)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrNoCredential)
	}
	if err != nil {
		return nil, err
	}
	raw := []byte(row.Data)
	if strings.HasPrefix(row.Data, encPrefix) {
		if v.masterKey == nil {
			return nil, fmt.Errorf("credential %s/%s is encrypted but no master key is configured", service, account)
		}
		ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(row.Data, encPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode credential %s/%s: %w", service, account, err)
		}
		if raw, err = crypto.Decrypt(v.masterKey, ct); err != nil {
			return nil, fmt.Errorf("decrypt credential %s/%s: %w", service, account, err)
		}
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode credential %s/%s: %w", service, account, err)
	}
	return data, nil
}

// DeleteCredential removes the row. Idempotent.
func (v *Vault) DeleteCredential(ctx context.Context, service, account string) error {
	return v.store.DeleteCredential(ctx, service, account)
}

// Accounts lists the configured account names for a service DBKey.
func (v *Vault) Accounts(ctx context.Context, service string) ([]string, error) {
	return v.store.ListCredentialAccounts(ctx, service)
}

// Authorize fetches a valid token for the service and applies it to req
// according to the service's auth style. The service is identified by its
// registry entry; the credential row lives under the DBKey.
func (v *Vault) Authorize(ctx context.Context, svc *registry.Service, account string, req *http.Request) error {
	data, err := v.freshData(ctx, svc, account)
	if err != nil {
		return err
	}
	switch svc.Auth {
	case registry.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+data["access_token"])
	case registry.AuthAppPassword:
		req.Header.Set("Authorization", "Bearer "+data["accessJwt"])
	case registry.AuthBasic:
		user, secret := data["email"], data["api_token"]
		if user == "" || secret == "" {
			return fmt.Errorf("%s/%s missing basic-auth fields: %w", svc.Key, account, ErrTokenUnavailable)
		}
		req.SetBasicAuth(user, secret)
	case registry.AuthHeader:
		req.Header.Set(svc.AuthHeaderName, data["access_token"])
	case registry.AuthQuery:
		q := req.URL.Query()
		q.Set(svc.AuthQueryParam, data["access_token"])
		req.URL.RawQuery = q.Encode()
	}
	return nil
}

// BaseURL resolves the service base URL from the stored credential data.
func (v *Vault) BaseURL(ctx context.Context, svc *registry.Service, account string) (string, error) {
	data, err := v.Credential(ctx, svc.DBKey, account)
	if err != nil {
		return "", err
	}
	return svc.BaseURL(data)
}

// freshData returns the credential data with a valid token, refreshing or
// creating a session first when needed.
func (v *Vault) freshData(ctx context.Context, svc *registry.Service, account string) (map[string]string, error) {
	data, err := v.Credential(ctx, svc.DBKey, account)
	if err != nil {
		return nil, err
	}

	switch {
	case svc.Auth == registry.AuthAppPassword:
		if validUntil(data["session_expires_at"]) {
			return data, nil
		}
		return v.refreshShared(ctx, svc, account, v.createBlueskySession)
	case refreshable[svc.DBKey]:
		if data["access_token"] != "" && validUntil(data["expires_at"]) {
			return data, nil
		}
		return v.refreshShared(ctx, svc, account, v.refreshOAuth)
	default:
		// Static credentials (github token, jira basic, search keys).
		return data, nil
	}
}

// refreshShared collapses concurrent refreshes for the same account into a
// single upstream exchange.
func (v *Vault) refreshShared(
	ctx context.Context,
	svc *registry.Service,
	account string,
	fn func(ctx context.Context, svc *registry.Service, account string, data map[string]string) (map[string]string, error),
) (map[string]string, error) {
	key := svc.DBKey + "/" + account
	out, err, _ := v.refresh.Do(key, func() (any, error) {
		data, err := v.Credential(ctx, svc.DBKey, account)
		if err != nil {
			return nil, err
		}
		fresh, err := fn(ctx, svc, account, data)
		if err != nil {
			return nil, err
		}
		if err := v.SetCredential(ctx, svc.DBKey, account, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]string), nil
}

// validUntil reports whether an RFC3339 expiry lies in the future.
func validUntil(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false
	}
	return time.Now().Before(t)
}
