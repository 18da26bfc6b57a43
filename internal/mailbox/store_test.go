package mailbox

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

func TestSendGetUnreadAndMarkRead(t *testing.T) {
	s := newTestStore(t)

	m := NewMail("alice", "bob", "status", "all green")
	if err := s.SendMail(m); err != nil {
		t.Fatalf("send: %v", err)
	}

	unread, err := s.GetUnread("bob")
	if err != nil {
		t.Fatalf("get unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread, got %d", len(unread))
	}

	if err := s.MarkRead(m.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// idempotent: marking again does not error
	if err := s.MarkRead(m.ID); err != nil {
		t.Fatalf("mark read again: %v", err)
	}

	unread, err = s.GetUnread("bob")
	if err != nil {
		t.Fatalf("get unread after mark: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", len(unread))
	}

	all, err := s.GetMail("bob")
	if err != nil {
		t.Fatalf("get mail: %v", err)
	}
	if len(all) != 1 || all[0].IsUnread() {
		t.Fatalf("expected 1 read mail, got %+v", all)
	}
}

func TestMarkReadUnknownIDIsNoOp(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkRead("nonexistent"); err != nil {
		t.Fatalf("expected no error marking unknown mail read, got %v", err)
	}
}

func TestHandoffLifecycle(t *testing.T) {
	s := newTestStore(t)

	h := NewHandoff("alice", "bob", "context handoff for deploy", `{"step":"deploy"}`)
	if err := s.CreateHandoff(h); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetHandoff(h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != HandoffPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}

	decided, err := s.DecideHandoff(h.ID, true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != HandoffAccepted {
		t.Fatalf("expected accepted, got %s", decided.Status)
	}

	if _, err := s.DecideHandoff(h.ID, false); !fleeterr.Is(err, fleeterr.KindConflict) {
		t.Fatalf("expected conflict deciding an already-decided handoff, got %v", err)
	}
}

func TestListHandoffsFor(t *testing.T) {
	s := newTestStore(t)

	h1 := NewHandoff("alice", "bob", "", "{}")
	h2 := NewHandoff("carol", "bob", "", "{}")
	h3 := NewHandoff("alice", "dave", "", "{}")
	for _, h := range []*Handoff{h1, h2, h3} {
		if err := s.CreateHandoff(h); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListHandoffsFor("bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 handoffs for bob, got %d", len(got))
	}
}
