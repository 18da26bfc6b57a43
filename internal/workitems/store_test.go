package workitems

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

// TestEventLogEndsInCurrentStatus implements testable property #2 from
// The sequence of status-changing events for a work item
// ends with an event whose implied status equals the item's current status.
func TestEventLogEndsInCurrentStatus(t *testing.T) {
	s := newTestStore(t)

	item := NewWorkItem("ship it", "")
	if err := s.Create(item); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.UpdateStatus(item.ID, EventStarted, "bob", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.UpdateStatus(item.ID, EventComment, "bob", "halfway there"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	got, err := s.UpdateStatus(item.ID, EventCompleted, "bob", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	events, err := s.GetEvents(item.ID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var lastStatusChanging *Event
	for _, e := range events {
		if e.EventType.IsStatusChanging() {
			lastStatusChanging = e
		}
	}
	if lastStatusChanging == nil {
		t.Fatalf("expected at least one status-changing event")
	}
	impliedStatus := statusForEvent[lastStatusChanging.EventType]
	if impliedStatus != got.Status {
		t.Fatalf("last status-changing event implies %s, item status is %s", impliedStatus, got.Status)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateStatus("missing", EventStarted, "bob", "")
	if !fleeterr.Is(err, fleeterr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListFiltersByStatusAssigneeAndBatch(t *testing.T) {
	s := newTestStore(t)

	batch := NewBatch("rollout")
	if err := s.CreateBatch(batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	a := NewWorkItem("a", "")
	b := NewWorkItem("b", "")
	for _, item := range []*WorkItem{a, b} {
		if err := s.Create(item); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.AddToBatch(item.ID, batch.ID); err != nil {
			t.Fatalf("add to batch: %v", err)
		}
	}
	if err := s.AssignWorkItem(a.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	byAssignee, err := s.List(Filter{Assignee: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byAssignee) != 1 || byAssignee[0].ID != a.ID {
		t.Fatalf("expected only a assigned to alice, got %v", byAssignee)
	}

	byBatch, err := s.List(Filter{BatchID: batch.ID})
	if err != nil {
		t.Fatalf("list by batch: %v", err)
	}
	if len(byBatch) != 2 {
		t.Fatalf("expected 2 items in batch, got %d", len(byBatch))
	}

	byStatus, err := s.List(Filter{Status: StatusPending})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(byStatus))
	}
}

// TestDispatchBatchIdempotent implements the idempotent-dispatch property
// Dispatching the same batch to the same worker twice
// leaves the same end state and does not error.
func TestDispatchBatchIdempotent(t *testing.T) {
	s := newTestStore(t)

	batch := NewBatch("rollout")
	if err := s.CreateBatch(batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	items := []*WorkItem{NewWorkItem("a", ""), NewWorkItem("b", "")}
	for _, item := range items {
		if err := s.Create(item); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.AddToBatch(item.ID, batch.ID); err != nil {
			t.Fatalf("add to batch: %v", err)
		}
	}

	if err := s.DispatchBatch(batch.ID, "carol"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := s.DispatchBatch(batch.ID, "carol"); err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}

	got, err := s.GetBatch(batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != BatchDispatched {
		t.Fatalf("expected dispatched, got %s", got.Status)
	}

	dispatched, err := s.List(Filter{BatchID: batch.ID, Assignee: "carol"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dispatched) != 2 {
		t.Fatalf("expected both items assigned to carol, got %d", len(dispatched))
	}

	for _, item := range dispatched {
		events, err := s.GetEvents(item.ID)
		if err != nil {
			t.Fatalf("get events: %v", err)
		}
		assignedCount := 0
		for _, e := range events {
			if e.EventType == EventAssigned {
				assignedCount++
			}
		}
		if assignedCount != 1 {
			t.Fatalf("expected exactly one assigned event after idempotent re-dispatch, got %d", assignedCount)
		}
	}
}

func TestMaybeCompleteBatch(t *testing.T) {
	s := newTestStore(t)

	batch := NewBatch("rollout")
	if err := s.CreateBatch(batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	a := NewWorkItem("a", "")
	b := NewWorkItem("b", "")
	for _, item := range []*WorkItem{a, b} {
		if err := s.Create(item); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.AddToBatch(item.ID, batch.ID); err != nil {
			t.Fatalf("add to batch: %v", err)
		}
	}

	if _, err := s.UpdateStatus(a.ID, EventCompleted, "", ""); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := s.MaybeCompleteBatch(batch.ID); err != nil {
		t.Fatalf("maybe complete: %v", err)
	}
	got, _ := s.GetBatch(batch.ID)
	if got.Status == BatchCompleted {
		t.Fatalf("batch should not be complete while b is pending")
	}

	if _, err := s.UpdateStatus(b.ID, EventCompleted, "", ""); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if err := s.MaybeCompleteBatch(batch.ID); err != nil {
		t.Fatalf("maybe complete: %v", err)
	}
	got, _ = s.GetBatch(batch.ID)
	if got.Status != BatchCompleted {
		t.Fatalf("expected batch completed once all items complete, got %s", got.Status)
	}
}
