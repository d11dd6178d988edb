package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate/agentgate/common/redact"
	"github.com/agentgate/agentgate/common/retry"
	"github.com/agentgate/agentgate/internal/gate/registry"
)

// refreshable marks the providers whose tokens are renewed by a
// refresh-token exchange. GitHub and Jira carry static credentials; Bluesky
// uses app-password sessions.
var refreshable = map[string]bool{
	"google_calendar": true,
	"youtube":         true,
	"reddit":          true,
	"linkedin":        true,
	"fitbit":          true,
}

// expirySafety is subtracted from the provider-reported lifetime so a token
// is never used in its final seconds.
const expirySafety = 60 * time.Second

// blueskySessionTTL is how long a created session is trusted. Providers
// claim 120 minutes; 90 leaves headroom for clock skew and long batches.
const blueskySessionTTL = 90 * time.Minute

// defaultTokenEndpoints maps service DBKeys to their refresh endpoints.
var defaultTokenEndpoints = map[string]string{
	"google_calendar": "https://oauth2.googleapis.com/token",
	"youtube":         "https://oauth2.googleapis.com/token",
	"reddit":          "https://www.reddit.com/api/v1/access_token",
	"linkedin":        "https://www.linkedin.com/oauth/v2/accessToken",
	"fitbit":          "https://api.fitbit.com/oauth2/token",
	"bluesky":         "https://bsky.social/xrpc/com.atproto.server.createSession",
}

func (v *Vault) tokenEndpoint(dbKey string) string {
	if u, ok := v.endpoints[dbKey]; ok {
		return u
	}
	return defaultTokenEndpoints[dbKey]
}

// basicAuthRefresh marks providers that authenticate the refresh call with
// client basic auth instead of form fields.
var basicAuthRefresh = map[string]bool{
	"reddit": true,
	"fitbit": true,
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshOAuth exchanges the stored refresh token for a fresh access token
// and returns the updated data bag. Provider conventions differ only in
// where the client credentials go.
func (v *Vault) refreshOAuth(ctx context.Context, svc *registry.Service, account string, data map[string]string) (map[string]string, error) {
	refreshToken := data["refresh_token"]
	if refreshToken == "" {
		return nil, fmt.Errorf("%s/%s has no refresh token: %w", svc.Key, account, ErrTokenUnavailable)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if !basicAuthRefresh[svc.DBKey] {
		form.Set("client_id", data["client_id"])
		form.Set("client_secret", data["client_secret"])
	}

	var tok tokenResponse
	err := v.postForRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			v.tokenEndpoint(svc.DBKey), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if basicAuthRefresh[svc.DBKey] {
			req.SetBasicAuth(data["client_id"], data["client_secret"])
		}
		return req, nil
	}, &tok)
	if err != nil {
		// Provider error bodies can echo the exchange parameters.
		msg := redact.String(err.Error(), refreshToken, data["client_secret"])
		return nil, fmt.Errorf("%s/%s refresh: %s: %w", svc.Key, account, msg, ErrTokenUnavailable)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%s/%s refresh returned no access token: %w", svc.Key, account, ErrTokenUnavailable)
	}

	fresh := clone(data)
	fresh["access_token"] = tok.AccessToken
	if tok.RefreshToken != "" {
		// Some providers (fitbit) rotate the refresh token on every use.
		fresh["refresh_token"] = tok.RefreshToken
	}
	lifetime := time.Duration(tok.ExpiresIn)*time.Second - expirySafety
	if lifetime < 0 {
		lifetime = 0
	}
	fresh["expires_at"] = time.Now().Add(lifetime).Format(time.RFC3339)
	return fresh, nil
}

type blueskySession struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
}

// createBlueskySession exchanges the stored identifier and app password for
// a session token.
func (v *Vault) createBlueskySession(ctx context.Context, svc *registry.Service, account string, data map[string]string) (map[string]string, error) {
	identifier, password := data["identifier"], data["app_password"]
	if identifier == "" || password == "" {
		return nil, fmt.Errorf("bluesky/%s missing identifier or app password: %w", account, ErrTokenUnavailable)
	}

	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	var sess blueskySession
	err = v.postForRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			v.tokenEndpoint("bluesky"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &sess)
	if err != nil {
		msg := redact.String(err.Error(), password)
		return nil, fmt.Errorf("bluesky/%s session: %s: %w", account, msg, ErrTokenUnavailable)
	}
	if sess.AccessJwt == "" {
		return nil, fmt.Errorf("bluesky/%s session returned no accessJwt: %w", account, ErrTokenUnavailable)
	}

	fresh := clone(data)
	fresh["accessJwt"] = sess.AccessJwt
	fresh["refreshJwt"] = sess.RefreshJwt
	if sess.DID != "" {
		fresh["did"] = sess.DID
	}
	fresh["session_expires_at"] = time.Now().Add(blueskySessionTTL).Format(time.RFC3339)
	return fresh, nil
}

// postForRetry sends the request and decodes a JSON body into out. Transport
// errors are retried once; HTTP error statuses are not, since the provider
// has already rejected the exchange.
func (v *Vault) postForRetry(ctx context.Context, build func() (*http.Request, error), out any) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			var httpErr *statusError
			return !errors.As(err, &httpErr)
		},
	}, func() error {
		req, err := build()
		if err != nil {
			return err
		}
		resp, err := v.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &statusError{code: resp.StatusCode, body: string(raw)}
		}
		return json.Unmarshal(raw, out)
	})
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.code, body)
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
