// Package settings provides typed access to the operator-tunable knobs held
// in the settings table: messaging posture, queue visibility, withdraw
// gating, inbound webhook source configs, and the admin password hash.
//
// There is no in-process cache. The gateway is a single process and the
// store serializes access, so reads go straight to the table and admin
// writes take effect on the next read.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/gate/store"
)

// Messaging modes. Pending message rows only exist under supervised.
const (
	MessagingOff        = "off"
	MessagingSupervised = "supervised"
	MessagingOpen       = "open"
)

// Setting keys.
const (
	keyMessagingMode     = "messaging_mode"
	keySharedQueue       = "shared_queue_visibility"
	keyAgentWithdraw     = "agent_withdraw_enabled"
	keyAdminPasswordHash = "admin_password_hash"
	webhookSourcePrefix  = "webhook_source:"
)

// ErrBadValue is returned when a write carries a value outside the setting's
// domain.
var ErrBadValue = errors.New("settings: invalid value")

// Settings is the typed accessor. Safe for concurrent use.
type Settings struct {
	store *store.Store
}

// New wraps the store. Migrations must already have run.
func New(st *store.Store) *Settings {
	return &Settings{store: st}
}

// MessagingMode returns the current mode, defaulting to off when unset.
func (s *Settings) MessagingMode(ctx context.Context) (string, error) {
	v, err := s.store.GetSetting(ctx, keyMessagingMode)
	if errors.Is(err, store.ErrSettingNotFound) {
		return MessagingOff, nil
	}
	if err != nil {
		return "", err
	}
	switch v {
	case MessagingOff, MessagingSupervised, MessagingOpen:
		return v, nil
	}
	return MessagingOff, nil
}

// SetMessagingMode validates and stores the mode.
func (s *Settings) SetMessagingMode(ctx context.Context, mode string) error {
	switch mode {
	case MessagingOff, MessagingSupervised, MessagingOpen:
		return s.store.SetSetting(ctx, keyMessagingMode, mode)
	}
	return fmt.Errorf("messaging mode %q: %w", mode, ErrBadValue)
}

// SharedQueueVisibility reports whether agents see each other's queue
// entries. Defaults to false.
func (s *Settings) SharedQueueVisibility(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, keySharedQueue, false)
}

// SetSharedQueueVisibility stores the flag.
func (s *Settings) SetSharedQueueVisibility(ctx context.Context, on bool) error {
	return s.store.SetSetting(ctx, keySharedQueue, strconv.FormatBool(on))
}

// AgentWithdrawEnabled reports whether agents may withdraw their own pending
// entries. Defaults to true.
func (s *Settings) AgentWithdrawEnabled(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, keyAgentWithdraw, true)
}

// SetAgentWithdrawEnabled stores the flag.
func (s *Settings) SetAgentWithdrawEnabled(ctx context.Context, on bool) error {
	return s.store.SetSetting(ctx, keyAgentWithdraw, strconv.FormatBool(on))
}

func (s *Settings) boolSetting(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrSettingNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}

// WebhookSource configures one inbound webhook source (e.g. "github").
type WebhookSource struct {
	// Secret is the shared HMAC secret. Empty disables signature checks.
	Secret string `json:"secret"`
	// Events lists the "<type>.<action>" event names that fan out to
	// agents. Empty means nothing fans out; "*" fans out everything.
	Events []string `json:"events"`
}

// FanOut reports whether the named event should be broadcast to agents.
func (w *WebhookSource) FanOut(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// WebhookSourceConfig returns the config for a source, or ErrSettingNotFound
// from the store when the source is not configured.
func (s *Settings) WebhookSourceConfig(ctx context.Context, source string) (*WebhookSource, error) {
	v, err := s.store.GetSetting(ctx, webhookSourcePrefix+source)
	if err != nil {
		return nil, err
	}
	var cfg WebhookSource
	if err := json.Unmarshal([]byte(v), &cfg); err != nil {
		return nil, fmt.Errorf("webhook source %q config: %w", source, err)
	}
	return &cfg, nil
}

// SetWebhookSourceConfig stores the config for a source.
func (s *Settings) SetWebhookSourceConfig(ctx context.Context, source string, cfg *WebhookSource) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode webhook source %q config: %w", source, err)
	}
	return s.store.SetSetting(ctx, webhookSourcePrefix+source, string(raw))
}

// SetAdminPassword bcrypt-hashes and stores the admin password.
func (s *Settings) SetAdminPassword(ctx context.Context, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("admin password too short: %w", ErrBadValue)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	return s.store.SetSetting(ctx, keyAdminPasswordHash, string(hash))
}

// CheckAdminPassword verifies a candidate against the stored hash. Returns
// false (no error) when no password has been set.
func (s *Settings) CheckAdminPassword(ctx context.Context, candidate string) (bool, error) {
	hash, err := s.store.GetSetting(ctx, keyAdminPasswordHash)
	if errors.Is(err, store.ErrSettingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil, nil
}
