package workitems

import (
	"database/sql"
	"fmt"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists WorkItems, their event logs, and Batches to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new work item store over an already-open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the work_items, work_item_events, and batches tables.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			assigned_to TEXT,
			batch_id TEXT,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS work_item_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT,
			details TEXT,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_wi_events_item ON work_item_events(work_item_id, id);

		CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// Filter narrows ListWorkItems results.
type Filter struct {
	Status   Status
	Assignee string
	BatchID  string
}

// Create persists a new work item and appends its "created" event.
func (s *Store) Create(item *WorkItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fleeterr.Storage(err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO work_items (id, title, description, status, assigned_to, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Title, item.Description, string(item.Status), nullable(item.AssignedTo), nullable(item.BatchID), item.CreatedAt); err != nil {
		return fleeterr.Storage(err)
	}

	if err := appendEvent(tx, item.ID, EventCreated, "", ""); err != nil {
		return err
	}
	return fleeterr.Storage(tx.Commit())
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func appendEvent(tx *sql.Tx, workItemID string, eventType EventType, actor, details string) error {
	_, err := tx.Exec(`
		INSERT INTO work_item_events (work_item_id, event_type, actor, details, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, workItemID, string(eventType), nullable(actor), nullable(details))
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// GetByID retrieves a work item by ID.
func (s *Store) GetByID(id string) (*WorkItem, error) {
	row := s.db.QueryRow(`SELECT id, title, description, status, assigned_to, batch_id, created_at FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("WorkItemNotFound", fmt.Sprintf("work item %s not found", id))
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return item, nil
}

// List returns work items matching filter, oldest first.
func (s *Store) List(filter Filter) ([]*WorkItem, error) {
	query := `SELECT id, title, description, status, assigned_to, batch_id, created_at FROM work_items WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Assignee != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.Assignee)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, item)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var status string
	var description, assignedTo, batchID sql.NullString
	if err := row.Scan(&item.ID, &item.Title, &description, &status, &assignedTo, &batchID, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.Description = description.String
	item.AssignedTo = assignedTo.String
	item.BatchID = batchID.String
	return &item, nil
}

// AssignWorkItem assigns a work item to a worker, appending an "assigned" event.
func (s *Store) AssignWorkItem(id, assignee string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fleeterr.Storage(err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE work_items SET assigned_to = ? WHERE id = ?`, assignee, id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fleeterr.NotFound("WorkItemNotFound", fmt.Sprintf("work item %s not found", id))
	}
	if err := appendEvent(tx, id, EventAssigned, "", assignee); err != nil {
		return err
	}
	return fleeterr.Storage(tx.Commit())
}

// UpdateStatus changes a work item's status and appends the matching event
// in the same atomic unit, so readers never observe an inconsistent pair.
func (s *Store) UpdateStatus(id string, eventType EventType, actor, details string) (*WorkItem, error) {
	newStatus, changesStatus := statusForEvent[eventType]

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer tx.Rollback()

	if changesStatus {
		res, err := tx.Exec(`UPDATE work_items SET status = ? WHERE id = ?`, string(newStatus), id)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fleeterr.NotFound("WorkItemNotFound", fmt.Sprintf("work item %s not found", id))
		}
	}

	if err := appendEvent(tx, id, eventType, actor, details); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fleeterr.Storage(err)
	}
	return s.GetByID(id)
}

// GetEvents returns a work item's event log in append order.
func (s *Store) GetEvents(workItemID string) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, work_item_id, event_type, actor, details, created_at
		FROM work_item_events WHERE work_item_id = ? ORDER BY id
	`, workItemID)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var eventType string
		var actor, details sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkItemID, &eventType, &actor, &details, &e.CreatedAt); err != nil {
			return nil, fleeterr.Storage(err)
		}
		e.EventType = EventType(eventType)
		e.Actor = actor.String
		e.Details = details.String
		out = append(out, &e)
	}
	return out, nil
}

// CreateBatch persists a new batch.
func (s *Store) CreateBatch(b *Batch) error {
	_, err := s.db.Exec(`INSERT INTO batches (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, string(b.Status), b.CreatedAt)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(id string) (*Batch, error) {
	row := s.db.QueryRow(`SELECT id, name, status, created_at FROM batches WHERE id = ?`, id)
	var b Batch
	var status string
	if err := row.Scan(&b.ID, &b.Name, &status, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fleeterr.NotFound("BatchNotFound", fmt.Sprintf("batch %s not found", id))
		}
		return nil, fleeterr.Storage(err)
	}
	b.Status = BatchStatus(status)
	return &b, nil
}

// AddToBatch assigns a work item to a batch.
func (s *Store) AddToBatch(workItemID, batchID string) error {
	res, err := s.db.Exec(`UPDATE work_items SET batch_id = ? WHERE id = ?`, batchID, workItemID)
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fleeterr.NotFound("WorkItemNotFound", fmt.Sprintf("work item %s not found", workItemID))
	}
	return nil
}

// DispatchBatch assigns every member of a batch to worker and marks the
// batch dispatched, all in one transaction. It is idempotent: members
// already assigned to worker are skipped, so dispatching twice to the
// same worker appends no further "assigned" events.
func (s *Store) DispatchBatch(batchID, worker string) error {
	batch, err := s.GetBatch(batchID)
	if err != nil {
		return err
	}

	items, err := s.List(Filter{BatchID: batchID})
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fleeterr.Storage(err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if item.AssignedTo == worker {
			continue // already assigned to this worker: no-op on retry
		}
		if _, err := tx.Exec(`UPDATE work_items SET assigned_to = ? WHERE id = ?`, worker, item.ID); err != nil {
			return fleeterr.Storage(err)
		}
		if err := appendEvent(tx, item.ID, EventAssigned, "", worker); err != nil {
			return err
		}
	}

	if batch.Status != BatchDispatched {
		if _, err := tx.Exec(`UPDATE batches SET status = ? WHERE id = ?`, string(BatchDispatched), batchID); err != nil {
			return fleeterr.Storage(err)
		}
	}
	return fleeterr.Storage(tx.Commit())
}

// MaybeCompleteBatch transitions a batch to completed once every member
// work item is completed. It is a no-op if the batch has no members yet
// or any member is not yet completed.
func (s *Store) MaybeCompleteBatch(batchID string) error {
	items, err := s.List(Filter{BatchID: batchID})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if item.Status != StatusCompleted {
			return nil
		}
	}
	_, err = s.db.Exec(`UPDATE batches SET status = ? WHERE id = ?`, string(BatchCompleted), batchID)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}
