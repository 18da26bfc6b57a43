package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
	"github.com/fleetcore/fleetcore/internal/identity"
)

// Store persists Tasks to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store over an already-open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the tasks table if it doesn't already exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			team_name TEXT NOT NULL,
			owner_handle TEXT NOT NULL,
			owner_uid TEXT NOT NULL,
			created_by_handle TEXT NOT NULL,
			created_by_uid TEXT NOT NULL,
			subject TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			blocked_by TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Create persists a new task.
func (s *Store) Create(t *Task) error {
	blockedBy, _ := json.Marshal(t.BlockedByIDs())
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, team_name, owner_handle, owner_uid, created_by_handle, created_by_uid, subject, description, status, blocked_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, string(t.TeamName), string(t.OwnerHandle), string(t.OwnerUID),
		string(t.CreatedByHandle), string(t.CreatedByUID), t.Subject, t.Description,
		string(t.Status), string(blockedBy), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// GetByID retrieves a task by ID.
func (s *Store) GetByID(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, team_name, owner_handle, owner_uid, created_by_handle, created_by_uid, subject, description, status, blocked_by, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("TaskNotFound", fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return t, nil
}

// ListByTeam returns all tasks belonging to a team, oldest first.
func (s *Store) ListByTeam(team identity.TeamName) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT id, team_name, owner_handle, owner_uid, created_by_handle, created_by_uid, subject, description, status, blocked_by, created_at, updated_at
		FROM tasks WHERE team_name = ? ORDER BY created_at
	`, string(team))
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// rowScanner abstracts *sql.Row / *sql.Rows for scan().
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scan(row rowScanner) (*Task, error) {
	var t Task
	var team, owner, ownerUID, createdBy, createdByUID, status string
	var description sql.NullString
	var blockedBy sql.NullString

	if err := row.Scan(&t.ID, &team, &owner, &ownerUID, &createdBy, &createdByUID,
		&t.Subject, &description, &status, &blockedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	t.TeamName = identity.TeamName(team)
	t.OwnerHandle = identity.Handle(owner)
	t.OwnerUID = identity.UID(ownerUID)
	t.CreatedByHandle = identity.Handle(createdBy)
	t.CreatedByUID = identity.UID(createdByUID)
	t.Status = Status(status)
	if description.Valid {
		t.Description = description.String
	}

	t.BlockedBy = make(map[string]struct{})
	if blockedBy.Valid && blockedBy.String != "" {
		var ids []string
		if err := json.Unmarshal([]byte(blockedBy.String), &ids); err == nil {
			for _, id := range ids {
				t.BlockedBy[id] = struct{}{}
			}
		}
	}
	return &t, nil
}

// UpdateStatus transitions a task to newStatus. Any transition succeeds
// except moving to resolved while a blockedBy task is not itself resolved:
// that fails with a Conflict error (code BlockedByUnresolved) enumerating
// the offending task IDs.
func (s *Store) UpdateStatus(id string, newStatus Status) (*Task, error) {
	t, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}

	if newStatus == StatusResolved {
		var unresolved []string
		for blockerID := range t.BlockedBy {
			blocker, err := s.GetByID(blockerID)
			if err != nil {
				if fleeterr.Is(err, fleeterr.KindNotFound) {
					// a blocker that no longer exists cannot gate resolution
					continue
				}
				return nil, err
			}
			if blocker.Status != StatusResolved {
				unresolved = append(unresolved, blockerID)
			}
		}
		if len(unresolved) > 0 {
			sort.Strings(unresolved)
			details := map[string]interface{}{"blockedBy": unresolved}
			return nil, fleeterr.ConflictWith("BlockedByUnresolved",
				fmt.Sprintf("task %s is blocked by %d unresolved task(s)", id, len(unresolved)), details)
		}
	}

	t.Status = newStatus
	t.UpdatedAt = time.Now()

	blockedBy, _ := json.Marshal(t.BlockedByIDs())
	_, err = s.db.Exec(`UPDATE tasks SET status = ?, blocked_by = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), string(blockedBy), t.UpdatedAt, t.ID)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return t, nil
}
