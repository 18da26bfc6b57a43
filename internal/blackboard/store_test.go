package blackboard

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
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

// TestReadOrdering implements testable property #7: messages read back in
// (createdAt, id) order regardless of insertion order concurrency.
func TestReadOrdering(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		msg := New("swarm-1", "alice", MessageStatus, PriorityNormal, "", "{}")
		if _, err := s.Post(msg); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	got, err := s.Read("swarm-1", ReadFilter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAtMs < got[i-1].CreatedAtMs {
			t.Fatalf("messages out of order at index %d", i)
		}
	}
}

func TestMarkReadIdempotentAndSkipsMissing(t *testing.T) {
	s := newTestStore(t)

	msg := New("swarm-1", "alice", MessageDirective, PriorityHigh, "", "{}")
	id, err := s.Post(msg)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := s.MarkRead([]string{id, "nonexistent"}, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := s.MarkRead([]string{id}, "bob"); err != nil {
		t.Fatalf("mark read again: %v", err)
	}

	got, err := s.Read("swarm-1", ReadFilter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got[0].ReadBy) != 1 {
		t.Fatalf("expected exactly one reader recorded, got %d", len(got[0].ReadBy))
	}
	if !got[0].IsReadBy("bob") {
		t.Fatalf("expected bob to be recorded as a reader")
	}
}

func TestUnreadOnlyRequiresReaderHandle(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("swarm-1", ReadFilter{UnreadOnly: true})
	if err == nil {
		t.Fatalf("expected validation error when unreadOnly set without readerHandle")
	}
}

func TestArchiveHidesFromDefaultReads(t *testing.T) {
	s := newTestStore(t)

	msg := New("swarm-1", "alice", MessageCheckpoint, PriorityLow, "", "{}")
	id, err := s.Post(msg)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := s.Archive([]string{id}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := s.Read("swarm-1", ReadFilter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected archived message hidden from default reads, got %d", len(got))
	}
}

func TestGetUnreadCount(t *testing.T) {
	s := newTestStore(t)

	a := New("swarm-1", "alice", MessageRequest, PriorityNormal, "", "{}")
	b := New("swarm-1", "alice", MessageRequest, PriorityNormal, "", "{}")
	idA, _ := s.Post(a)
	if _, err := s.Post(b); err != nil {
		t.Fatalf("post b: %v", err)
	}

	if err := s.MarkRead([]string{idA}, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	count, err := s.GetUnreadCount("swarm-1", "bob")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread for bob, got %d", count)
	}
}
