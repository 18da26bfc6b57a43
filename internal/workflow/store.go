package workflow

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists workflows, executions, and steps to SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	is_template INTEGER NOT NULL DEFAULT 0,
	inputs_json TEXT NOT NULL,
	steps_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	swarm_id TEXT,
	status TEXT NOT NULL,
	inputs_json TEXT NOT NULL,
	context_json TEXT NOT NULL,
	error TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	key TEXT NOT NULL,
	type TEXT NOT NULL,
	depends_on_json TEXT NOT NULL,
	blocked_by_count INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	on_failure TEXT NOT NULL,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	guard TEXT,
	status TEXT NOT NULL,
	assigned_to TEXT,
	task_id TEXT,
	spawn_request_id TEXT,
	handoff_id TEXT,
	output_json TEXT,
	error TEXT,
	def_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_steps_execution_status ON steps(execution_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_execution_key ON steps(execution_id, key);
`)
	return fleeterr.Storage(err)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateWorkflow persists a new workflow definition.
func (s *Store) CreateWorkflow(w *Workflow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	inputsJSON, err := json.Marshal(w.Inputs)
	if err != nil {
		return fleeterr.Validation("BadInputsDef", err.Error())
	}
	stepsJSON, err := json.Marshal(w.Steps)
	if err != nil {
		return fleeterr.Validation("BadStepsDef", err.Error())
	}
	w.Version = 1
	_, err = s.db.Exec(
		`INSERT INTO workflows (id, name, version, is_template, inputs_json, steps_json) VALUES (?, ?, 1, ?, ?, ?)`,
		w.ID, w.Name, w.IsTemplate, string(inputsJSON), string(stepsJSON),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fleeterr.Conflict("WorkflowNameTaken", "a workflow named "+w.Name+" already exists")
	}
	return fleeterr.Storage(err)
}

// UpdateWorkflow replaces a workflow's definition, bumping its version.
func (s *Store) UpdateWorkflow(w *Workflow) error {
	inputsJSON, err := json.Marshal(w.Inputs)
	if err != nil {
		return fleeterr.Validation("BadInputsDef", err.Error())
	}
	stepsJSON, err := json.Marshal(w.Steps)
	if err != nil {
		return fleeterr.Validation("BadStepsDef", err.Error())
	}
	res, err := s.db.Exec(
		`UPDATE workflows SET name = ?, version = version + 1, is_template = ?, inputs_json = ?, steps_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		w.Name, w.IsTemplate, string(inputsJSON), string(stepsJSON), w.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fleeterr.Conflict("WorkflowNameTaken", "a workflow named "+w.Name+" already exists")
		}
		return fleeterr.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n == 0 {
		return fleeterr.NotFound("WorkflowNotFound", "no workflow with id "+w.ID)
	}
	w.Version++
	return nil
}

// GetWorkflow loads a workflow by ID.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT id, name, version, is_template, inputs_json, steps_json, created_at, updated_at FROM workflows WHERE id = ?`, id)
	var w Workflow
	var inputsJSON, stepsJSON string
	var isTemplate int
	if err := row.Scan(&w.ID, &w.Name, &w.Version, &isTemplate, &inputsJSON, &stepsJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fleeterr.NotFound("WorkflowNotFound", "no workflow with id "+id)
		}
		return nil, fleeterr.Storage(err)
	}
	w.IsTemplate = isTemplate != 0
	if err := json.Unmarshal([]byte(inputsJSON), &w.Inputs); err != nil {
		return nil, fleeterr.Storage(err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &w.Steps); err != nil {
		return nil, fleeterr.Storage(err)
	}
	return &w, nil
}

// ListWorkflows returns every workflow, optionally filtered to templates.
func (s *Store) ListWorkflows(templatesOnly bool) ([]*Workflow, error) {
	query := `SELECT id, name, version, is_template, inputs_json, steps_json, created_at, updated_at FROM workflows`
	if templatesOnly {
		query += ` WHERE is_template = 1`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var inputsJSON, stepsJSON string
		var isTemplate int
		if err := rows.Scan(&w.ID, &w.Name, &w.Version, &isTemplate, &inputsJSON, &stepsJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fleeterr.Storage(err)
		}
		w.IsTemplate = isTemplate != 0
		json.Unmarshal([]byte(inputsJSON), &w.Inputs)
		json.Unmarshal([]byte(stepsJSON), &w.Steps)
		out = append(out, &w)
	}
	return out, fleeterr.Storage(rows.Err())
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(id string) error {
	_, err := s.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	return fleeterr.Storage(err)
}

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	inputsJSON, err := json.Marshal(e.Inputs)
	if err != nil {
		return fleeterr.Storage(err)
	}
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fleeterr.Storage(err)
	}
	_, err = s.db.Exec(
		`INSERT INTO executions (id, workflow_id, swarm_id, status, inputs_json, context_json) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, nullableStr(e.SwarmID), e.Status, string(inputsJSON), string(contextJSON),
	)
	return fleeterr.Storage(err)
}

func scanExecution(row interface {
	Scan(dest ...interface{}) error
}) (*Execution, error) {
	var e Execution
	var swarmID sql.NullString
	var errStr sql.NullString
	var startedAt, completedAt sql.NullTime
	var inputsJSON, contextJSON string
	if err := row.Scan(&e.ID, &e.WorkflowID, &swarmID, &e.Status, &inputsJSON, &contextJSON, &errStr, &e.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	e.SwarmID = swarmID.String
	e.Error = errStr.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	json.Unmarshal([]byte(inputsJSON), &e.Inputs)
	json.Unmarshal([]byte(contextJSON), &e.Context)
	return &e, nil
}

const executionColumns = `id, workflow_id, swarm_id, status, inputs_json, context_json, error, created_at, started_at, completed_at`

// GetExecution loads an execution by ID.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("ExecutionNotFound", "no execution with id "+id)
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return e, nil
}

// ListExecutions returns every execution, optionally filtered by status.
func (s *Store) ListExecutions(status ExecutionStatus) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, e)
	}
	return out, fleeterr.Storage(rows.Err())
}

// UpdateExecutionStatus transitions an execution's status, optionally
// setting startedAt/completedAt/error.
func (s *Store) UpdateExecutionStatus(id string, status ExecutionStatus, errMsg string, setStarted, setCompleted bool) error {
	now := time.Now()
	query := `UPDATE executions SET status = ?, error = ?`
	args := []interface{}{status, nullableStr(errMsg)}
	if setStarted {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if setCompleted {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fleeterr.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n == 0 {
		return fleeterr.NotFound("ExecutionNotFound", "no execution with id "+id)
	}
	return nil
}

// ReviveExecution returns a failed execution to running, clearing its
// error and completion timestamp so the scheduler resumes ticking it.
func (s *Store) ReviveExecution(id string) error {
	res, err := s.db.Exec(`UPDATE executions SET status = ?, error = NULL, completed_at = NULL WHERE id = ?`, ExecRunning, id)
	if err != nil {
		return fleeterr.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n == 0 {
		return fleeterr.NotFound("ExecutionNotFound", "no execution with id "+id)
	}
	return nil
}

// SaveExecutionContext persists the execution's merged context map
// (inputs plus accumulated step outputs).
func (s *Store) SaveExecutionContext(id string, context map[string]interface{}) error {
	data, err := json.Marshal(context)
	if err != nil {
		return fleeterr.Storage(err)
	}
	_, err = s.db.Exec(`UPDATE executions SET context_json = ? WHERE id = ?`, string(data), id)
	return fleeterr.Storage(err)
}

// CreateStep persists a materialized step.
func (s *Store) CreateStep(st *Step) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	dependsOnJSON, _ := json.Marshal(st.DependsOn)
	defJSON, err := json.Marshal(st.Def)
	if err != nil {
		return fleeterr.Storage(err)
	}
	_, err = s.db.Exec(
		`INSERT INTO steps (id, execution_id, key, type, depends_on_json, blocked_by_count, max_retries, retry_count, on_failure, timeout_ms, guard, status, def_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.Key, st.Type, string(dependsOnJSON), st.BlockedByCount, st.MaxRetries, st.RetryCount,
		st.OnFailure, st.TimeoutMs, nullableStr(st.Guard), st.Status, string(defJSON),
	)
	return fleeterr.Storage(err)
}

const stepColumns = `id, execution_id, key, type, depends_on_json, blocked_by_count, max_retries, retry_count, on_failure, timeout_ms, guard, status, assigned_to, task_id, spawn_request_id, handoff_id, output_json, error, def_json, created_at, started_at, completed_at`

func scanStep(row interface {
	Scan(dest ...interface{}) error
}) (*Step, error) {
	var st Step
	var dependsOnJSON, defJSON string
	var guard, assignedTo, taskID, spawnReqID, handoffID, outputJSON, errStr sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.Key, &st.Type, &dependsOnJSON, &st.BlockedByCount, &st.MaxRetries,
		&st.RetryCount, &st.OnFailure, &st.TimeoutMs, &guard, &st.Status, &assignedTo, &taskID, &spawnReqID, &handoffID,
		&outputJSON, &errStr, &defJSON, &st.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	st.Guard = guard.String
	st.AssignedTo = assignedTo.String
	st.TaskID = taskID.String
	st.SpawnRequestID = spawnReqID.String
	st.HandoffID = handoffID.String
	st.Error = errStr.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	json.Unmarshal([]byte(dependsOnJSON), &st.DependsOn)
	json.Unmarshal([]byte(defJSON), &st.Def)
	if outputJSON.Valid {
		json.Unmarshal([]byte(outputJSON.String), &st.Output)
	}
	return &st, nil
}

// GetStep loads a step by ID.
func (s *Store) GetStep(id string) (*Step, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("StepNotFound", "no step with id "+id)
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return st, nil
}

// GetStepByKey loads a step by its execution-scoped key.
func (s *Store) GetStepByKey(executionID, key string) (*Step, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE execution_id = ? AND key = ?`, executionID, key)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fleeterr.NotFound("StepNotFound", "no step with key "+key)
	}
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	return st, nil
}

// ListSteps returns every step belonging to an execution.
func (s *Store) ListSteps(executionID string) ([]*Step, error) {
	rows, err := s.db.Query(`SELECT `+stepColumns+` FROM steps WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, st)
	}
	return out, fleeterr.Storage(rows.Err())
}

// ListStepsByStatus returns an execution's steps in a given status,
// ordered by createdAt, the order the scheduler dispatches in.
func (s *Store) ListStepsByStatus(executionID string, status StepStatus) ([]*Step, error) {
	rows, err := s.db.Query(`SELECT `+stepColumns+` FROM steps WHERE execution_id = ? AND status = ? ORDER BY created_at ASC`, executionID, status)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		out = append(out, st)
	}
	return out, fleeterr.Storage(rows.Err())
}

// ListStepsDependingOn returns pending steps whose dependsOn includes key.
func (s *Store) ListStepsDependingOn(executionID, key string) ([]*Step, error) {
	all, err := s.ListSteps(executionID)
	if err != nil {
		return nil, err
	}
	var out []*Step
	for _, st := range all {
		if st.Status != StepPending {
			continue
		}
		for _, dep := range st.DependsOn {
			if dep == key {
				out = append(out, st)
				break
			}
		}
	}
	return out, nil
}

// UpdateStep persists mutable step fields after a transition.
func (s *Store) UpdateStep(st *Step) error {
	outputJSON, err := json.Marshal(st.Output)
	if err != nil {
		return fleeterr.Storage(err)
	}
	res, err := s.db.Exec(
		`UPDATE steps SET blocked_by_count = ?, retry_count = ?, status = ?, assigned_to = ?, task_id = ?, spawn_request_id = ?,
		 handoff_id = ?, output_json = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		st.BlockedByCount, st.RetryCount, st.Status, nullableStr(st.AssignedTo), nullableStr(st.TaskID),
		nullableStr(st.SpawnRequestID), nullableStr(st.HandoffID), string(outputJSON), nullableStr(st.Error),
		st.StartedAt, st.CompletedAt, st.ID,
	)
	if err != nil {
		return fleeterr.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Storage(err)
	}
	if n == 0 {
		return fleeterr.NotFound("StepNotFound", "no step with id "+st.ID)
	}
	return nil
}
