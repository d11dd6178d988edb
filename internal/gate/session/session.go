// Package session manages long-lived tool-dispatch sessions. The in-memory
// map is a cache over the persisted session rows: a valid session id whose
// memory entry was lost (restart, sweep) is lazily reconstructed from its
// row under a single-flight lock, so concurrent arrivals build at most one
// entry per id.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrLimitExceeded is returned when the in-memory session cap is hit.
	ErrLimitExceeded = errors.New("session: limit exceeded")
	// ErrWrongAgent is returned when a session id is presented by an agent
	// other than the one it is bound to.
	ErrWrongAgent = errors.New("session: bound to another agent")
)

const (
	// DefaultMaxSessions caps concurrently active in-memory sessions.
	DefaultMaxSessions = 1000
	// DefaultTTL expires sessions this long after their last touch.
	DefaultTTL = 30 * time.Minute
	// SweepInterval is how often the background sweeper runs.
	SweepInterval = 60 * time.Second
	// touchDebounce limits last-seen row writes to one per window.
	touchDebounce = 30 * time.Second
)

// Entry is the in-memory half of a session.
type Entry struct {
	ID        string
	AgentName string
	CreatedAt time.Time

	mu            sync.Mutex
	lastSeen      time.Time
	lastPersisted time.Time

	closeOnce sync.Once
	done      chan struct{}
	notify    chan []byte
}

// Done is closed when the session is killed or swept; an open notification
// stream selects on it to terminate.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Notifications is the server-to-client event stream for this session.
func (e *Entry) Notifications() <-chan []byte { return e.notify }

// Notify queues a server-to-client payload. Drops when nobody is reading.
func (e *Entry) Notify(payload []byte) {
	select {
	case e.notify <- payload:
	case <-e.done:
	default:
	}
}

// LastSeen returns the in-memory last-seen timestamp.
func (e *Entry) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

func (e *Entry) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Manager owns the session map.
type Manager struct {
	store *store.Store
	max   int
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*Entry

	rebuild singleflight.Group

	now func() time.Time
}

// NewManager builds a manager with the given caps; zero values pick the
// defaults.
func NewManager(st *store.Store, maxSessions int, ttl time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:    st,
		max:      maxSessions,
		ttl:      ttl,
		sessions: make(map[string]*Entry),
		now:      time.Now,
	}
}

// Create opens a new session bound to the agent: a persisted row plus an
// in-memory entry with a fresh opaque id.
func (m *Manager) Create(ctx context.Context, agent string) (*Entry, error) {
	now := m.now().UTC()
	e := &Entry{
		ID:        uuid.NewString(),
		AgentName: agent,
		CreatedAt: now,
		lastSeen:  now,
		done:      make(chan struct{}),
		notify:    make(chan []byte, 16),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%d active sessions: %w", m.max, ErrLimitExceeded)
	}
	m.sessions[e.ID] = e
	m.mu.Unlock()

	row := &store.Session{SessionID: e.ID, AgentName: agent, CreatedAt: now, LastSeen: now}
	if err := m.store.InsertSession(ctx, row); err != nil {
		m.drop(e.ID)
		return nil, err
	}
	e.lastPersisted = now
	return e, nil
}

// Resolve returns the in-memory entry for (id, agent), reconstructing it
// from the persisted row when memory lacks one. A binding mismatch is
// ErrWrongAgent; an unknown or expired id is store.ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, id, agent string) (*Entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		var err error
		e, err = m.reconstruct(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if !strings.EqualFold(e.AgentName, agent) {
		return nil, ErrWrongAgent
	}
	return e, nil
}

// reconstruct rebuilds the memory entry from the row. Single-flight per id:
// concurrent arrivals for the same id wait on one rebuild.
func (m *Manager) reconstruct(ctx context.Context, id string) (*Entry, error) {
	v, err, _ := m.rebuild.Do(id, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()

		row, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.now().UTC().Sub(row.LastSeen) > m.ttl {
			if err := m.store.DeleteSession(ctx, id); err != nil {
				slog.Warn("failed to delete expired session row", "session_id", id, "err", err)
			}
			return nil, fmt.Errorf("session %q expired: %w", id, store.ErrNotFound)
		}

		e := &Entry{
			ID:            row.SessionID,
			AgentName:     row.AgentName,
			CreatedAt:     row.CreatedAt,
			lastSeen:      row.LastSeen,
			lastPersisted: row.LastSeen,
			done:          make(chan struct{}),
			notify:        make(chan []byte, 16),
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.sessions) >= m.max {
			return nil, fmt.Errorf("%d active sessions: %w", m.max, ErrLimitExceeded)
		}
		m.sessions[id] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Touch refreshes the session's last-seen. Memory is updated immediately;
// the row write is debounced to one per 30 s per session.
func (m *Manager) Touch(ctx context.Context, e *Entry) error {
	now := m.now().UTC()
	e.mu.Lock()
	e.lastSeen = now
	persist := now.Sub(e.lastPersisted) >= touchDebounce
	if persist {
		e.lastPersisted = now
	}
	e.mu.Unlock()
	if !persist {
		return nil
	}
	return m.store.TouchSession(ctx, e.ID, now)
}

// Kill terminates one session: closes its stream, removes the memory entry,
// deletes the row. Unknown ids are a no-op.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.drop(id)
	return m.store.DeleteSession(ctx, id)
}

// KillAgent terminates every session bound to the agent.
func (m *Manager) KillAgent(ctx context.Context, agent string) (int, error) {
	ids, err := m.store.DeleteAgentSessions(ctx, agent)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.drop(id)
	}
	// Memory may hold entries whose rows were already gone.
	m.mu.Lock()
	for id, e := range m.sessions {
		if strings.EqualFold(e.AgentName, agent) {
			e.close()
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	return len(ids), nil
}

// Sweep expires sessions past the TTL: closes transports, drops memory
// entries, deletes rows.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.ttl)
	ids, err := m.store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.drop(id)
	}
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.LastSeen().Before(cutoff) {
			e.close()
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	return len(ids), nil
}

// Run sweeps every SweepInterval until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				slog.Warn("session sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// Count returns the number of active in-memory sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.close()
		delete(m.sessions, id)
	}
}
