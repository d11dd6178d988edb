package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/memento"
	"github.com/agentgate/agentgate/internal/gate/messaging"
	"github.com/agentgate/agentgate/internal/gate/queue"
	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrUnknownTool is returned for tool names outside the surface.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrAgentDisabled rejects calls from disabled agents.
	ErrAgentDisabled = errors.New("tools: agent disabled")
)

// Dispatcher routes validated tool calls into the subsystems.
type Dispatcher struct {
	store     *store.Store
	queue     *queue.Queue
	messaging *messaging.Messaging
	mementos  *memento.Store
	access    *access.Resolver
	exec      *executor.Executor
	denylist  *registry.Denylist
	version   string
}

// New wires the dispatcher. denylist may be nil for the defaults.
func New(st *store.Store, q *queue.Queue, msg *messaging.Messaging, mem *memento.Store,
	resolver *access.Resolver, exec *executor.Executor, denylist *registry.Denylist,
	version string) *Dispatcher {
	if denylist == nil {
		denylist = registry.DefaultDenylist()
	}
	return &Dispatcher{
		store:     st,
		queue:     q,
		messaging: msg,
		mementos:  mem,
		access:    resolver,
		exec:      exec,
		denylist:  denylist,
		version:   version,
	}
}

// Initialize answers the MCP handshake.
func (d *Dispatcher) Initialize() InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: "agentgate", Version: d.version},
		Capabilities:    ServerCaps{Tools: &struct{}{}},
	}
}

// ListTools returns the tool surface for the agent: the four fixed families
// plus one tool per category the agent can reach at least one service in.
func (d *Dispatcher) ListTools(ctx context.Context, agent string) ([]Tool, error) {
	tools := []Tool{
		{Name: "queue", Description: "Inspect, withdraw, and warn about queued write batches.",
			InputSchema: json.RawMessage(queueSchema)},
		{Name: "messages", Description: "Direct messages and broadcasts between agents.",
			InputSchema: json.RawMessage(messagesSchema)},
		{Name: "mementos", Description: "Save and search keyword-indexed notes.",
			InputSchema: json.RawMessage(mementosSchema)},
		{Name: "services", Description: "Discover configured services and accounts.",
			InputSchema: json.RawMessage(servicesSchema)},
	}
	for _, cat := range registry.Categories() {
		reachable, writable, err := d.categoryReach(ctx, agent, cat)
		if err != nil {
			return nil, err
		}
		if !reachable {
			continue
		}
		schema := categoryReadSchema
		desc := fmt.Sprintf("Read from %s services.", cat)
		if writable {
			schema = categoryReadWriteSchema
			desc = fmt.Sprintf("Read from and submit writes to %s services.", cat)
		}
		tools = append(tools, Tool{
			Name:        string(cat),
			Description: desc,
			InputSchema: json.RawMessage(schema),
		})
	}
	return tools, nil
}

// categoryReach reports whether the agent can reach any (service, account)
// in the category, and whether any reachable service is writable.
func (d *Dispatcher) categoryReach(ctx context.Context, agent string, cat registry.Category) (reachable, writable bool, err error) {
	for _, svc := range registry.ByCategory(cat) {
		accounts, err := d.store.ListCredentialAccounts(ctx, svc.DBKey)
		if err != nil {
			return false, false, err
		}
		for _, account := range accounts {
			allowed, err := d.access.Allowed(ctx, svc.DBKey, account, agent)
			if err != nil {
				return false, false, err
			}
			if allowed {
				reachable = true
				if svc.Writable {
					writable = true
				}
			}
		}
	}
	return reachable, writable, nil
}

// Call validates and dispatches one tool invocation. The agent row is
// re-read so a kill or disable takes effect on the very next call.
func (d *Dispatcher) Call(ctx context.Context, agent string, params CallToolParams) (*CallToolResult, error) {
	row, err := d.store.GetAgentByName(ctx, agent)
	if err != nil {
		return errResult(err), nil
	}
	if !row.Enabled {
		return errResult(fmt.Errorf("agent %q: %w", agent, ErrAgentDisabled)), nil
	}

	switch params.Name {
	case "queue":
		return d.callQueue(ctx, row, params.Arguments)
	case "messages":
		return d.callMessages(ctx, row, params.Arguments)
	case "mementos":
		return d.callMementos(ctx, row, params.Arguments)
	case "services":
		return d.callServices(ctx, row, params.Arguments)
	}
	for _, cat := range registry.Categories() {
		if params.Name == string(cat) {
			return d.callCategory(ctx, row, cat, params.Arguments)
		}
	}
	return nil, fmt.Errorf("%q: %w", params.Name, ErrUnknownTool)
}

// validate checks raw arguments against the family schema.
func validate(compiled *jsonschema.Schema, raw json.RawMessage) error {
	var v any
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return compiled.Validate(v)
}

func (d *Dispatcher) callQueue(ctx context.Context, agent *store.Agent, raw json.RawMessage) (*CallToolResult, error) {
	if err := validate(compiledQueue, raw); err != nil {
		return errResult(err), nil
	}
	var args struct {
		Action  string `json:"action"`
		ID      string `json:"id"`
		Service string `json:"service"`
		Account string `json:"account"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResult(err), nil
	}

	switch args.Action {
	case "list":
		views, err := d.queue.List(ctx, agent.Name, args.Service, args.Account)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"entries": views})
	case "status":
		view, err := d.queue.Status(ctx, args.ID, args.Service, args.Account)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(view)
	case "withdraw":
		if err := d.queue.Withdraw(ctx, args.ID, agent.Name, args.Reason); err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": args.ID, "status": "withdrawn"})
	case "warn":
		warningID, err := d.queue.Warn(ctx, args.ID, agent.Name, args.Message)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": args.ID, "warning_id": warningID})
	case "get_warnings":
		warnings, err := d.queue.Warnings(ctx, args.ID)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": args.ID, "warnings": warnings})
	}
	return errResult(fmt.Errorf("queue action %q not supported", args.Action)), nil
}

func (d *Dispatcher) callMessages(ctx context.Context, agent *store.Agent, raw json.RawMessage) (*CallToolResult, error) {
	if err := validate(compiledMessages, raw); err != nil {
		return errResult(err), nil
	}
	var args struct {
		Action     string `json:"action"`
		To         string `json:"to"`
		Body       string `json:"body"`
		ID         int64  `json:"id"`
		UnreadOnly bool   `json:"unread_only"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResult(err), nil
	}

	switch args.Action {
	case "send":
		msg, err := d.messaging.Send(ctx, agent.Name, args.To, args.Body)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": msg.ID, "status": msg.Status})
	case "get":
		msgs, err := d.messaging.Inbox(ctx, agent.Name, args.UnreadOnly)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"messages": msgs})
	case "mark_read":
		if err := d.messaging.MarkRead(ctx, agent.Name, args.ID); err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": args.ID, "read": true})
	case "list_agents":
		names, err := d.messaging.Messageable(ctx, agent.Name)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"agents": names})
	case "status":
		status, err := d.messaging.AgentStatus(ctx, agent.Name)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(status)
	case "broadcast":
		res, err := d.messaging.Broadcast(ctx, agent.Name, args.Body)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(res)
	case "list_broadcasts":
		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		list, err := d.messaging.ListBroadcasts(ctx, agent.Name, limit)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"broadcasts": list})
	case "get_broadcast":
		b, recipients, err := d.messaging.GetBroadcast(ctx, args.ID)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"broadcast": b, "recipients": recipients})
	}
	return errResult(fmt.Errorf("messages action %q not supported", args.Action)), nil
}

func (d *Dispatcher) callMementos(ctx context.Context, agent *store.Agent, raw json.RawMessage) (*CallToolResult, error) {
	if err := validate(compiledMementos, raw); err != nil {
		return errResult(err), nil
	}
	var args struct {
		Action   string   `json:"action"`
		Content  string   `json:"content"`
		Keywords []string `json:"keywords"`
		Model    *string  `json:"model"`
		Role     *string  `json:"role"`
		Limit    int      `json:"limit"`
		IDs      []int64  `json:"ids"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResult(err), nil
	}

	switch args.Action {
	case "save":
		m, err := d.mementos.Save(ctx, agent.ID, args.Content, args.Keywords, args.Model, args.Role)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"id": m.ID, "created_at": m.CreatedAt})
	case "search":
		hits, err := d.mementos.Search(ctx, agent.ID, args.Keywords, args.Limit)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"results": hits})
	case "keywords":
		kw, err := d.mementos.Keywords(ctx, agent.ID)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"keywords": kw})
	case "recent":
		limit := args.Limit
		if limit <= 0 {
			limit = 10
		}
		metas, err := d.mementos.Recent(ctx, agent.ID, limit)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"mementos": metas})
	case "get_by_ids":
		mementos, err := d.mementos.GetByIDs(ctx, agent.ID, args.IDs)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(map[string]any{"mementos": mementoViews(mementos)})
	}
	return errResult(fmt.Errorf("mementos action %q not supported", args.Action)), nil
}

func mementoViews(ms []*store.Memento) []map[string]any {
	views := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		views = append(views, map[string]any{
			"id":         m.ID,
			"content":    m.Content,
			"keywords":   m.Stems,
			"model":      m.Model,
			"role":       m.Role,
			"created_at": m.CreatedAt,
		})
	}
	return views
}

func (d *Dispatcher) callServices(ctx context.Context, agent *store.Agent, raw json.RawMessage) (*CallToolResult, error) {
	if err := validate(compiledServices, raw); err != nil {
		return errResult(err), nil
	}
	var args struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResult(err), nil
	}

	detail, err := d.serviceDetail(ctx, agent.Name)
	if err != nil {
		return errResult(err), nil
	}

	switch args.Action {
	case "whoami":
		categories := map[string]bool{}
		for _, s := range detail {
			categories[s.Category] = true
		}
		var cats []string
		for _, c := range registry.Categories() {
			if categories[string(c)] {
				cats = append(cats, string(c))
			}
		}
		return textResult(map[string]any{
			"agent":      agent.Name,
			"enabled":    agent.Enabled,
			"categories": cats,
			"services":   detail,
		})
	case "list":
		var keys []string
		for _, s := range detail {
			keys = append(keys, s.Service)
		}
		return textResult(map[string]any{"services": keys})
	case "list_detail":
		return textResult(map[string]any{"services": detail})
	}
	return errResult(fmt.Errorf("services action %q not supported", args.Action)), nil
}

// serviceView is one row of the discovery surface.
type serviceView struct {
	Service  string   `json:"service"`
	Category string   `json:"category"`
	Writable bool     `json:"writable"`
	Accounts []string `json:"accounts"`
}

// serviceDetail lists the services and accounts the agent may reach.
func (d *Dispatcher) serviceDetail(ctx context.Context, agent string) ([]serviceView, error) {
	var out []serviceView
	for _, svc := range registry.All() {
		accounts, err := d.store.ListCredentialAccounts(ctx, svc.DBKey)
		if err != nil {
			return nil, err
		}
		var allowed []string
		for _, account := range accounts {
			ok, err := d.access.Allowed(ctx, svc.DBKey, account, agent)
			if err != nil {
				return nil, err
			}
			if ok {
				allowed = append(allowed, account)
			}
		}
		if len(allowed) == 0 {
			continue
		}
		out = append(out, serviceView{
			Service:  svc.Key,
			Category: string(svc.Category),
			Writable: svc.Writable,
			Accounts: allowed,
		})
	}
	return out, nil
}

func (d *Dispatcher) callCategory(ctx context.Context, agent *store.Agent, cat registry.Category, raw json.RawMessage) (*CallToolResult, error) {
	_, catWritable, err := d.categoryReach(ctx, agent.Name, cat)
	if err != nil {
		return errResult(err), nil
	}
	compiled := compiledRead
	if catWritable {
		compiled = compiledReadWrite
	}
	if err := validate(compiled, raw); err != nil {
		return errResult(err), nil
	}
	var args struct {
		Action   string             `json:"action"`
		Service  string             `json:"service"`
		Account  string             `json:"account"`
		Path     string             `json:"path"`
		Query    string             `json:"query"`
		Requests []executor.Request `json:"requests"`
		Comment  string             `json:"comment"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errResult(err), nil
	}

	svc, ok := registry.Lookup(args.Service)
	if !ok || svc.Category != cat {
		return errResult(fmt.Errorf("service %q is not in category %q", args.Service, cat)), nil
	}
	allowed, err := d.access.Allowed(ctx, svc.DBKey, args.Account, agent.Name)
	if err != nil {
		return errResult(err), nil
	}
	if !allowed {
		return errResult(fmt.Errorf("agent %q has no access to %s/%s", agent.Name, args.Service, args.Account)), nil
	}

	switch args.Action {
	case "read":
		if d.denylist.Blocked(svc.Key, args.Path) {
			return errResult(fmt.Errorf("path %q is blocked on %s", args.Path, svc.Key)), nil
		}
		res := d.exec.Read(ctx, svc, args.Account, args.Path, args.Query)
		return textResult(res)
	case "write":
		submit, err := d.queue.Submit(ctx, agent.Name, svc.Key, args.Account, args.Requests, args.Comment)
		if err != nil {
			return errResult(err), nil
		}
		return textResult(submit)
	}
	return errResult(fmt.Errorf("%s action %q not supported", cat, args.Action)), nil
}
