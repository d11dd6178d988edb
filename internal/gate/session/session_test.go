package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/gate/session"
	"github.com/agentgate/agentgate/internal/gate/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "session-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreate_LimitExceeded(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(st, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, "ada"); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if _, err := m.Create(ctx, "ada"); !errors.Is(err, session.ErrLimitExceeded) {
		t.Errorf("third session: %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("count: %d", m.Count())
	}
}

func TestResolve_BindingAndUnknown(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(st, 0, 0)
	ctx := context.Background()

	e, err := m.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Resolve(ctx, e.ID, "ADA")
	if err != nil || got != e {
		t.Errorf("case-insensitive binding: %v, %v", got, err)
	}
	if _, err := m.Resolve(ctx, e.ID, "grace"); !errors.Is(err, session.ErrWrongAgent) {
		t.Errorf("wrong agent: %v", err)
	}
	if _, err := m.Resolve(ctx, "no-such-id", "ada"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown id: %v", err)
	}
}

func TestResolve_LazyReconstructSingleFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := session.NewManager(st, 0, 0)
	e, err := first.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh manager simulates a restart: memory empty, row intact.
	restarted := session.NewManager(st, 0, 0)
	const n = 8
	entries := make([]*session.Entry, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := restarted.Resolve(ctx, e.ID, "ada")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			entries[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if entries[i] != entries[0] {
			t.Fatal("concurrent reconstruction produced distinct entries")
		}
	}
	if restarted.Count() != 1 {
		t.Errorf("count after reconstruction: %d", restarted.Count())
	}
}

func TestTouch_DebouncesRowWrites(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(st, 0, 0)
	ctx := context.Background()

	e, err := m.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	row, err := st.GetSession(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	persisted := row.LastSeen

	before := e.LastSeen()
	time.Sleep(20 * time.Millisecond)
	if err := m.Touch(ctx, e); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !e.LastSeen().After(before) {
		t.Error("memory last-seen not refreshed")
	}

	// Inside the debounce window the row is untouched.
	row, err = st.GetSession(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !row.LastSeen.Equal(persisted) {
		t.Errorf("row written inside debounce window: %v vs %v", row.LastSeen, persisted)
	}
}

func TestSweep_ExpiresAndClosesStream(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(st, 0, 50*time.Millisecond)
	ctx := context.Background()

	e, err := m.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}

	// Timestamps persist at second precision; wait past a full second.
	time.Sleep(1200 * time.Millisecond)
	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d sessions", n)
	}
	select {
	case <-e.Done():
	default:
		t.Error("swept session stream not closed")
	}
	if _, err := st.GetSession(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row should be gone: %v", err)
	}
	if _, err := m.Resolve(ctx, e.ID, "ada"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("resolve after sweep: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("count: %d", m.Count())
	}
}

func TestKillAgent_ClosesAllSessions(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(st, 0, 0)
	ctx := context.Background()

	a1, err := m.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := m.Create(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	g, err := m.Create(ctx, "grace")
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.KillAgent(ctx, "Ada")
	if err != nil {
		t.Fatalf("KillAgent: %v", err)
	}
	if n != 2 {
		t.Errorf("killed %d sessions", n)
	}
	for _, e := range []*session.Entry{a1, a2} {
		select {
		case <-e.Done():
		default:
			t.Error("killed session stream not closed")
		}
	}
	if _, err := m.Resolve(ctx, g.ID, "grace"); err != nil {
		t.Errorf("unrelated session killed: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("count: %d", m.Count())
	}
}
