package tasks

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

// TestBlockedTaskResolution covers the resolve gate: a task cannot reach
// resolved while anything in its blockedBy set is unresolved.
func TestBlockedTaskResolution(t *testing.T) {
	s := newTestStore(t)

	a := New("acme", "alice", "alice", "setup", "")
	if err := s.Create(a); err != nil {
		t.Fatalf("create a: %v", err)
	}

	b := New("acme", "alice", "alice", "deploy", "")
	b.AddBlockedBy(a.ID)
	if err := s.Create(b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	_, err := s.UpdateStatus(b.ID, StatusResolved)
	if err == nil {
		t.Fatalf("expected BlockedByUnresolved error")
	}
	fe, ok := err.(*fleeterr.Error)
	if !ok || fe.Kind != fleeterr.KindConflict || fe.Code != "BlockedByUnresolved" {
		t.Fatalf("expected Conflict/BlockedByUnresolved, got %v", err)
	}
	ids, _ := fe.Details["blockedBy"].([]string)
	if len(ids) != 1 || ids[0] != a.ID {
		t.Fatalf("expected blockedBy details to name %s, got %v", a.ID, fe.Details["blockedBy"])
	}

	if _, err := s.UpdateStatus(a.ID, StatusResolved); err != nil {
		t.Fatalf("resolve a: %v", err)
	}

	resolved, err := s.UpdateStatus(b.ID, StatusResolved)
	if err != nil {
		t.Fatalf("resolve b after a resolved: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("expected b resolved, got %s", resolved.Status)
	}
}

func TestUpdateStatusOtherTransitionsFreelyAllowed(t *testing.T) {
	s := newTestStore(t)
	a := New("acme", "alice", "alice", "anything", "")
	if err := s.Create(a); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, next := range []Status{StatusBlocked, StatusInProgress, StatusOpen} {
		if _, err := s.UpdateStatus(a.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestListByTeam(t *testing.T) {
	s := newTestStore(t)
	a := New("acme", "alice", "alice", "one", "")
	b := New("acme", "bob", "bob", "two", "")
	c := New("widgets", "carl", "carl", "three", "")
	for _, task := range []*Task{a, b, c} {
		if err := s.Create(task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListByTeam("acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks for acme, got %d", len(got))
	}
}

func TestGetByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByID("missing")
	if !fleeterr.Is(err, fleeterr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
