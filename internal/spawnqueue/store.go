package spawnqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists spawn requests to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new spawn queue store over an already-open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the spawn_requests table.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS spawn_requests (
			id TEXT PRIMARY KEY,
			requester_handle TEXT NOT NULL,
			target_agent_type TEXT NOT NULL,
			task TEXT NOT NULL,
			swarm_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			depth_level INTEGER NOT NULL DEFAULT 0,
			parent_handle TEXT,
			depends_on TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			decided_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_spawn_status ON spawn_requests(status, priority, created_at);
	`)
	return err
}

func (s *Store) Create(r *Request) error {
	dependsOn, _ := json.Marshal(r.DependsOnIDs())
	_, err := s.db.Exec(`
		INSERT INTO spawn_requests (id, requester_handle, target_agent_type, task, swarm_id, priority, depth_level, parent_handle, depends_on, status, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RequesterHandle, r.TargetAgentType, r.Task, nullable(r.SwarmID), r.Priority, r.DepthLevel,
		nullable(r.ParentHandle), string(dependsOn), string(r.Status), r.CreatedAt, r.DecidedAt)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) GetByID(id string) (*Request, error) {
	row := s.db.QueryRow(`
		SELECT id, requester_handle, target_agent_type, task, swarm_id, priority, depth_level, parent_handle, depends_on, status, created_at, decided_at
		FROM spawn_requests WHERE id = ?
	`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("SpawnRequestNotFound", fmt.Sprintf("spawn request %s not found", id))
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return r, nil
}

// ListByStatus returns requests in a given status, oldest first by
// created_at. Ties are not broken here; Drain applies the priority and
// depth tie-break itself.
func (s *Store) ListByStatus(status Status) ([]*Request, error) {
	rows, err := s.db.Query(`
		SELECT id, requester_handle, target_agent_type, task, swarm_id, priority, depth_level, parent_handle, depends_on, status, created_at, decided_at
		FROM spawn_requests WHERE status = ? ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, r)
	}
	return out, nil
}

// CountActive returns the number of requests in approved or spawned status,
// which the controller treats as occupying a capacity slot.
func (s *Store) CountActive() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM spawn_requests WHERE status IN ('approved', 'spawned')`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fleeterr.Storage(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var swarmID, parentHandle sql.NullString
	var dependsOnJSON, status string
	if err := row.Scan(&r.ID, &r.RequesterHandle, &r.TargetAgentType, &r.Task, &swarmID, &r.Priority,
		&r.DepthLevel, &parentHandle, &dependsOnJSON, &status, &r.CreatedAt, &r.DecidedAt); err != nil {
		return nil, err
	}
	r.SwarmID = swarmID.String
	r.ParentHandle = parentHandle.String
	r.Status = Status(status)

	r.DependsOn = make(map[string]struct{})
	var ids []string
	if err := json.Unmarshal([]byte(dependsOnJSON), &ids); err == nil {
		for _, id := range ids {
			r.DependsOn[id] = struct{}{}
		}
	}
	return &r, nil
}

func (s *Store) setStatus(id string, status Status, decided bool) error {
	if decided {
		_, err := s.db.Exec(`UPDATE spawn_requests SET status = ?, decided_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
		if err != nil {
			return fleeterr.Storage(err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE spawn_requests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}
