package registry

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

	store := NewStore(db)
	if err := store.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

// TestRosterSurvivesRestart registers workers in one registry, then
// restores a fresh one over the same store: the roster and the active
// count the spawn controller depends on must both come back.
func TestRosterSurvivesRestart(t *testing.T) {
	store := newTestStore(t)

	r1 := NewWithStore(store)
	r1.Register(Spec{Handle: "alice", TeamName: "acme", SwarmID: "s1", SpawnMode: SpawnNative})
	r1.Register(Spec{Handle: "bob", TeamName: "acme", DepthLevel: 1, ParentHandle: "alice"})
	r1.UpdateState("alice", StateWorking)

	r2 := NewWithStore(store)
	n, err := r2.Restore()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d workers, want 2", n)
	}
	if r2.CountActive() != 2 {
		t.Errorf("active after restore = %d, want 2", r2.CountActive())
	}

	alice := r2.Get("alice")
	if alice == nil || alice.State != StateWorking || alice.SwarmID != "s1" {
		t.Errorf("alice did not round-trip: %+v", alice)
	}
	bob := r2.Get("bob")
	if bob == nil || bob.DepthLevel != 1 || bob.ParentHandle != "alice" {
		t.Errorf("bob did not round-trip: %+v", bob)
	}
}

// TestDismissRemovesPersistedRow verifies a dismissed worker does not
// reappear after a restart.
func TestDismissRemovesPersistedRow(t *testing.T) {
	store := newTestStore(t)

	r1 := NewWithStore(store)
	r1.Register(Spec{Handle: "alice", TeamName: "acme"})
	r1.Dismiss("alice")

	r2 := NewWithStore(store)
	n, err := r2.Restore()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 0 {
		t.Errorf("dismissed worker resurrected: restored %d rows", n)
	}
}

// TestMirrorTracksRestartCount checks write-through on RecordRestart.
func TestMirrorTracksRestartCount(t *testing.T) {
	store := newTestStore(t)

	r1 := NewWithStore(store)
	r1.Register(Spec{Handle: "alice", TeamName: "acme"})
	r1.RecordRestart("alice")
	r1.RecordRestart("alice")

	rows, err := store.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 || rows[0].RestartCount != 2 {
		t.Errorf("expected one row with restartCount=2, got %+v", rows)
	}
}

// TestMemoryOnlyRegistryRestoreIsNoop keeps the store optional.
func TestMemoryOnlyRegistryRestoreIsNoop(t *testing.T) {
	r := New()
	n, err := r.Restore()
	if err != nil || n != 0 {
		t.Errorf("memory-only restore should be a no-op, got n=%d err=%v", n, err)
	}
}
