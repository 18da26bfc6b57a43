package trigger

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists triggers to SQLite. The scalar fields used for lookups
// and listing live in real columns; the four typed configs are
// marshaled together into one JSON blob, the same tagged-variant
// serialization workflow.Store uses for StepDef.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the triggers table and its indexes.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL,
			last_fired_at_ms INTEGER NOT NULL DEFAULT 0,
			fire_count INTEGER NOT NULL DEFAULT 0,
			last_seen_created_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_triggers_kind_enabled ON triggers(kind, enabled);
		CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON triggers(workflow_id);
	`)
	return err
}

type config struct {
	Event      *EventConfig      `json:"event,omitempty"`
	Schedule   *ScheduleConfig   `json:"schedule,omitempty"`
	Webhook    *WebhookConfig    `json:"webhook,omitempty"`
	Blackboard *BlackboardConfig `json:"blackboard,omitempty"`
}

func (t *Trigger) marshalConfig() ([]byte, error) {
	return json.Marshal(config{Event: t.Event, Schedule: t.Schedule, Webhook: t.Webhook, Blackboard: t.Blackboard})
}

func (t *Trigger) unmarshalConfig(data []byte) error {
	var c config
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	t.Event, t.Schedule, t.Webhook, t.Blackboard = c.Event, c.Schedule, c.Webhook, c.Blackboard
	return nil
}

// Create inserts tr, stamping CreatedAtMs/UpdatedAtMs.
func (s *Store) Create(tr *Trigger) error {
	cfgJSON, err := tr.marshalConfig()
	if err != nil {
		return fleeterr.Validation("BadTriggerConfig", err.Error())
	}
	now := time.Now().UnixMilli()
	tr.CreatedAtMs, tr.UpdatedAtMs = now, now

	_, err = s.db.Exec(`
		INSERT INTO triggers (id, workflow_id, name, kind, enabled, config, last_fired_at_ms, fire_count, last_seen_created_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
	`, tr.ID, tr.WorkflowID, tr.Name, string(tr.Kind), boolToInt(tr.Enabled), string(cfgJSON), tr.CreatedAtMs, tr.UpdatedAtMs)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const triggerColumns = `id, workflow_id, name, kind, enabled, config, last_fired_at_ms, fire_count, last_seen_created_at_ms, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	var enabled int
	var cfgJSON string
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.Name, &t.Kind, &enabled, &cfgJSON,
		&t.LastFiredAtMs, &t.FireCount, &t.LastSeenCreatedAtMs, &t.CreatedAtMs, &t.UpdatedAtMs); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if err := t.unmarshalConfig([]byte(cfgJSON)); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByID loads a single trigger.
func (s *Store) GetByID(id string) (*Trigger, error) {
	row := s.db.QueryRow(`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("TriggerNotFound", "trigger not found: "+id)
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return t, nil
}

// ListEnabled returns every enabled trigger, any kind.
func (s *Store) ListEnabled() ([]*Trigger, error) {
	return s.query(`SELECT ` + triggerColumns + ` FROM triggers WHERE enabled = 1`)
}

// ListByType returns every enabled trigger of the given kind.
func (s *Store) ListByType(kind Kind) ([]*Trigger, error) {
	return s.query(`SELECT `+triggerColumns+` FROM triggers WHERE enabled = 1 AND kind = ?`, string(kind))
}

// ListByWorkflow returns every trigger (enabled or not) bound to workflowID.
func (s *Store) ListByWorkflow(workflowID string) ([]*Trigger, error) {
	return s.query(`SELECT `+triggerColumns+` FROM triggers WHERE workflow_id = ?`, workflowID)
}

func (s *Store) query(q string, args ...interface{}) ([]*Trigger, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// RecordFire bumps FireCount and sets LastFiredAtMs to now.
func (s *Store) RecordFire(id string) error {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`UPDATE triggers SET last_fired_at_ms = ?, fire_count = fire_count + 1, updated_at_ms = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return checkRowsAffected(res, id)
}

// UpdateLastSeen advances the blackboard dedup watermark.
func (s *Store) UpdateLastSeen(id string, createdAtMs int64) error {
	res, err := s.db.Exec(`UPDATE triggers SET last_seen_created_at_ms = ?, updated_at_ms = ? WHERE id = ?`, createdAtMs, time.Now().UnixMilli(), id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return checkRowsAffected(res, id)
}

// SetEnabled flips a trigger's enabled flag.
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE triggers SET enabled = ?, updated_at_ms = ? WHERE id = ?`, boolToInt(enabled), time.Now().UnixMilli(), id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return checkRowsAffected(res, id)
}

// Delete removes a trigger permanently.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n == 0 {
		return fleeterr.NotFound("TriggerNotFound", "trigger not found: "+id)
	}
	return nil
}
