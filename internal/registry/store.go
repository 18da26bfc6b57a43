package registry

import (
	"database/sql"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
	"github.com/fleetcore/fleetcore/internal/identity"
)

// Store is the durable mirror of the in-memory roster. Every roster
// mutation is written through; on startup Registry.Restore reads the
// surviving rows back so worker counts (and the spawn controller's
// active count derived from them) hold across restarts.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS workers (
	handle TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	team_name TEXT NOT NULL DEFAULT '',
	swarm_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	health TEXT NOT NULL,
	spawn_mode TEXT NOT NULL,
	depth_level INTEGER NOT NULL DEFAULT 0,
	parent_handle TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TIMESTAMP NOT NULL,
	spawned_at TIMESTAMP NOT NULL,
	restart_count INTEGER NOT NULL DEFAULT 0
);
`)
	return fleeterr.Storage(err)
}

// Save upserts a worker row keyed by handle.
func (s *Store) Save(w *Worker) error {
	_, err := s.db.Exec(`
INSERT INTO workers (handle, id, team_name, swarm_id, state, health, spawn_mode, depth_level, parent_handle, pid, last_heartbeat, spawned_at, restart_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(handle) DO UPDATE SET
	id = excluded.id,
	team_name = excluded.team_name,
	swarm_id = excluded.swarm_id,
	state = excluded.state,
	health = excluded.health,
	spawn_mode = excluded.spawn_mode,
	depth_level = excluded.depth_level,
	parent_handle = excluded.parent_handle,
	pid = excluded.pid,
	last_heartbeat = excluded.last_heartbeat,
	spawned_at = excluded.spawned_at,
	restart_count = excluded.restart_count
`,
		string(w.Handle), w.ID, string(w.TeamName), string(w.SwarmID), string(w.State), string(w.Health),
		string(w.SpawnMode), w.DepthLevel, string(w.ParentHandle), w.PID, w.LastHeartbeat, w.SpawnedAt, w.RestartCount,
	)
	return fleeterr.Storage(err)
}

// Delete removes a worker row; deleting an absent handle is a no-op,
// matching Registry.Dismiss.
func (s *Store) Delete(handle identity.Handle) error {
	_, err := s.db.Exec(`DELETE FROM workers WHERE handle = ?`, string(handle))
	return fleeterr.Storage(err)
}

// LoadAll returns every persisted worker row.
func (s *Store) LoadAll() ([]*Worker, error) {
	rows, err := s.db.Query(`
SELECT handle, id, team_name, swarm_id, state, health, spawn_mode, depth_level, parent_handle, pid, last_heartbeat, spawned_at, restart_count
FROM workers`)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		var handle, team, swarm, state, health, mode, parent string
		if err := rows.Scan(&handle, &w.ID, &team, &swarm, &state, &health, &mode,
			&w.DepthLevel, &parent, &w.PID, &w.LastHeartbeat, &w.SpawnedAt, &w.RestartCount); err != nil {
			return nil, fleeterr.Storage(err)
		}
		w.Handle = identity.Handle(handle)
		w.TeamName = identity.TeamName(team)
		w.SwarmID = identity.SwarmID(swarm)
		w.State = State(state)
		w.Health = Health(health)
		w.SpawnMode = SpawnMode(mode)
		w.ParentHandle = identity.Handle(parent)
		out = append(out, &w)
	}
	return out, fleeterr.Storage(rows.Err())
}
