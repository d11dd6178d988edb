// Package access resolves whether an agent may use a (service, account)
// pair, and whether it may skip the approval queue for it.
package access

import (
	"context"
	"strings"

	"github.com/agentgate/agentgate/internal/gate/store"
)

// Resolver answers access questions from the stored policies. Service keys
// are the DBKey form (e.g. "google_calendar").
type Resolver struct {
	store *store.Store
}

// New wraps the store.
func New(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Allowed reports whether the agent may use (service, account). The default
// policy is all-access; allowlist admits only listed agents, denylist admits
// everyone but. Agent name matching is case-insensitive.
func (r *Resolver) Allowed(ctx context.Context, service, account, agent string) (bool, error) {
	p, err := r.store.GetAccessPolicy(ctx, service, account)
	if err != nil {
		return false, err
	}
	switch p.Mode {
	case "allowlist":
		return containsFold(p.AgentList, agent), nil
	case "denylist":
		return !containsFold(p.AgentList, agent), nil
	default:
		return true, nil
	}
}

// Bypass reports whether the agent's submissions to (service, account) skip
// human approval.
func (r *Resolver) Bypass(ctx context.Context, service, account, agent string) (bool, error) {
	return r.store.GetBypass(ctx, service, account, agent)
}

// SetPolicy stores the access policy. Admin only.
func (r *Resolver) SetPolicy(ctx context.Context, p *store.AccessPolicy) error {
	return r.store.SetAccessPolicy(ctx, p)
}

// SetBypass stores the per-agent bypass flag. Admin only.
func (r *Resolver) SetBypass(ctx context.Context, service, account, agent string, bypass bool) error {
	return r.store.SetBypass(ctx, service, account, agent, bypass)
}

func containsFold(list []string, name string) bool {
	for _, n := range list {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
