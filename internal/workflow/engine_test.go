package workflow

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/fleetcore/fleetcore/internal/tasks"
)

func newTestEngine(t *testing.T) (*Engine, *Store) {
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
	return NewEngine(store, Deps{}), store
}

func newTestEngineWithTasks(t *testing.T) (*Engine, *Store, *tasks.Store) {
	t.Helper()
	e, store := newTestEngine(t)

	taskDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open task db: %v", err)
	}
	t.Cleanup(func() { taskDB.Close() })
	taskStore := tasks.NewStore(taskDB)
	if err := taskStore.Init(); err != nil {
		t.Fatalf("init task store: %v", err)
	}
	e.deps.Tasks = taskStore
	return e, store, taskStore
}

// TestDAGCascade walks a three-step chain through the ready-set: each
// completion unblocks exactly the steps that depended on it.
func TestDAGCascade(t *testing.T) {
	e, store := newTestEngine(t)

	wf := &Workflow{
		Name: "cascade",
		Steps: []StepDef{
			{Key: "a", Type: StepScript, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "b", Type: StepScript, DependsOn: []string{"a"}, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "c", Type: StepScript, DependsOn: []string{"a", "b"}, Script: &ScriptStepConfig{Script: "1"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	a, _ := store.GetStepByKey(exec.ID, "a")
	b, _ := store.GetStepByKey(exec.ID, "b")
	c, _ := store.GetStepByKey(exec.ID, "c")
	if a.Status != StepReady {
		t.Fatalf("a should be ready, got %s", a.Status)
	}
	if b.Status != StepPending || b.BlockedByCount != 1 {
		t.Fatalf("b should be pending/1, got %s/%d", b.Status, b.BlockedByCount)
	}
	if c.Status != StepPending || c.BlockedByCount != 2 {
		t.Fatalf("c should be pending/2, got %s/%d", c.Status, c.BlockedByCount)
	}

	// a is a script step, so it completes itself on the tick that dispatches it.
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	b, _ = store.GetStepByKey(exec.ID, "b")
	c, _ = store.GetStepByKey(exec.ID, "c")
	if b.Status != StepReady || b.BlockedByCount != 0 {
		t.Fatalf("b should be ready/0 after a completes, got %s/%d", b.Status, b.BlockedByCount)
	}
	if c.BlockedByCount != 1 {
		t.Fatalf("c should have blockedByCount 1, got %d", c.BlockedByCount)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, _ = store.GetStepByKey(exec.ID, "c")
	if c.Status != StepReady || c.BlockedByCount != 0 {
		t.Fatalf("c should be ready/0 after b completes, got %s/%d", c.Status, c.BlockedByCount)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := store.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != ExecCompleted {
		t.Fatalf("expected execution completed, got %s", got.Status)
	}
}

// TestGateBranching checks that a gate readies its taken branch and
// skips the other.
func TestGateBranching(t *testing.T) {
	e, store := newTestEngine(t)

	wf := &Workflow{
		Name: "gate",
		Steps: []StepDef{
			{Key: "prep", Type: StepScript, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "gate", Type: StepGate, DependsOn: []string{"prep"}, Gate: &GateStepConfig{
				Condition: "steps.prep.output.ok",
				OnTrue:    []string{"yes"},
				OnFalse:   []string{"no"},
			}},
			{Key: "yes", Type: StepScript, DependsOn: []string{"gate"}, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "no", Type: StepScript, DependsOn: []string{"gate"}, Script: &ScriptStepConfig{Script: "1"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	// Tick 1: prep (script) runs and completes, cascading gate to ready.
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Manually complete prep's output with {ok:true} since its script
	// step's own literal output wouldn't carry that key; overwrite via
	// CompleteStep is unnecessary here because script dispatch already
	// completed it above - instead seed prep's recorded output directly.
	prep, _ := store.GetStepByKey(exec.ID, "prep")
	if prep.Status != StepCompleted {
		t.Fatalf("prep should be completed, got %s", prep.Status)
	}

	got, _ := store.GetExecution(exec.ID)
	stepsMap := got.Context["steps"].(map[string]interface{})
	stepsMap["prep"] = map[string]interface{}{"output": map[string]interface{}{"ok": true}}
	got.Context["steps"] = stepsMap
	store.SaveExecutionContext(exec.ID, got.Context)

	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	yes, _ := store.GetStepByKey(exec.ID, "yes")
	no, _ := store.GetStepByKey(exec.ID, "no")
	if no.Status != StepSkipped {
		t.Fatalf("no should be skipped, got %s", no.Status)
	}
	if yes.Status != StepCompleted && yes.Status != StepReady {
		t.Fatalf("yes should be ready or completed, got %s", yes.Status)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	final, _ := store.GetExecution(exec.ID)
	if final.Status != ExecCompleted {
		t.Fatalf("expected completed execution, got %s", final.Status)
	}
}

// TestPauseThenCancel covers pause stopping new dispatch and a late
// completion after cancel being discarded.
func TestPauseThenCancel(t *testing.T) {
	e, store, taskStore := newTestEngineWithTasks(t)

	wf := &Workflow{
		Name: "pausecancel",
		Steps: []StepDef{
			{Key: "a", Type: StepScript, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "b", Type: StepTask, DependsOn: []string{"a"}, Task: &TaskStepConfig{Team: "acme", Subject: "deploy", AssignTo: "bob"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	if err := e.Tick(); err != nil { // a completes, cascades b to ready
		t.Fatalf("tick 1: %v", err)
	}
	if err := e.Tick(); err != nil { // b dispatches: materializes a Task, step goes running
		t.Fatalf("tick 2: %v", err)
	}
	b, err := store.GetStepByKey(exec.ID, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != StepRunning {
		t.Fatalf("expected b running, got %s", b.Status)
	}

	if err := e.Pause(exec.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := store.GetExecution(exec.ID)
	if got.Status != ExecPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	// A paused execution isn't picked up by Tick at all.
	if err := e.Tick(); err != nil {
		t.Fatalf("tick while paused: %v", err)
	}
	b, _ = store.GetStepByKey(exec.ID, "b")
	if b.Status != StepRunning {
		t.Fatalf("b should still be running while paused, got %s", b.Status)
	}

	if err := e.Cancel(exec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = store.GetExecution(exec.ID)
	if got.Status != ExecCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// A late completeStep on b after cancel is a no-op.
	_ = taskStore
	ok, err := e.CompleteStep(b.ID, map[string]interface{}{"done": true}, "")
	if err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if ok {
		t.Fatalf("completeStep after cancel should be a no-op")
	}
	got, _ = store.GetExecution(exec.ID)
	if got.Status != ExecCancelled {
		t.Fatalf("execution should remain cancelled, got %s", got.Status)
	}
}

func TestCompleteStepOnFailedExecutionIsNoOp(t *testing.T) {
	e, store := newTestEngine(t)

	wf := &Workflow{
		Name: "manual",
		Steps: []StepDef{
			{Key: "a", Type: StepCheckpoint, Checkpoint: &CheckpointStepConfig{ToHandle: "bob", WaitForAcceptance: false}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	e.deps.Mailbox = nil // force dispatch failure to exercise failStep path instead

	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := store.GetExecution(exec.ID)
	if got.Status != ExecFailed {
		t.Fatalf("expected execution to fail without a mailbox store, got %s", got.Status)
	}

	a, _ := store.GetStepByKey(exec.ID, "a")
	ok, err := e.CompleteStep(a.ID, map[string]interface{}{"x": 1}, "")
	if err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if ok {
		t.Fatalf("completing a step on a failed execution should be a no-op")
	}
}

func TestRetryThenExhaustFailsExecution(t *testing.T) {
	e, store := newTestEngine(t)

	wf := &Workflow{
		Name: "retry",
		Steps: []StepDef{
			{Key: "a", Type: StepScript, OnFailure: OnFailureRetry, MaxRetries: 1, Script: &ScriptStepConfig{Script: "1 / 0"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	a, _ := store.GetStepByKey(exec.ID, "a")
	if a.Status != StepReady || a.RetryCount != 1 {
		t.Fatalf("expected retried/ready step, got %s retryCount=%d", a.Status, a.RetryCount)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ := store.GetExecution(exec.ID)
	if got.Status != ExecFailed {
		t.Fatalf("expected execution failed after exhausting retries, got %s", got.Status)
	}
}

func TestSkipOnFailureCascades(t *testing.T) {
	e, store := newTestEngine(t)

	wf := &Workflow{
		Name: "skip",
		Steps: []StepDef{
			{Key: "a", Type: StepScript, OnFailure: OnFailureSkip, Script: &ScriptStepConfig{Script: "1 / 0"}},
			{Key: "b", Type: StepScript, DependsOn: []string{"a"}, Script: &ScriptStepConfig{Script: "1"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	a, _ := store.GetStepByKey(exec.ID, "a")
	if a.Status != StepSkipped {
		t.Fatalf("expected a skipped, got %s", a.Status)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ := store.GetExecution(exec.ID)
	if got.Status != ExecCompleted {
		t.Fatalf("expected execution completed, got %s", got.Status)
	}
}

func TestMissingRequiredInputFails(t *testing.T) {
	e, store := newTestEngine(t)
	wf := &Workflow{
		Name:   "inputs",
		Inputs: []InputDef{{Name: "target", Required: true}},
		Steps:  []StepDef{{Key: "a", Type: StepScript, Script: &ScriptStepConfig{Script: "1"}}},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := e.StartExecution(wf.ID, nil, nil, "", "tester"); err == nil {
		t.Fatalf("expected MissingInput error")
	}
}

func TestParallelAnyStrategySkipsOthers(t *testing.T) {
	e, store, _ := newTestEngineWithTasks(t)
	wf := &Workflow{
		Name: "parallel",
		Steps: []StepDef{
			{Key: "fanout", Type: StepParallel, Parallel: &ParallelStepConfig{StepKeys: []string{"x", "y"}, Strategy: StrategyAny}},
			{Key: "x", Type: StepScript, DependsOn: []string{"fanout"}, Script: &ScriptStepConfig{Script: "1"}},
			{Key: "y", Type: StepTask, DependsOn: []string{"fanout"}, Task: &TaskStepConfig{Team: "acme", Subject: "wait", AssignTo: "bob"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := e.StartExecution(wf.ID, nil, nil, "", "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := e.Tick(); err != nil { // fanout dispatches, forces x and y to ready
		t.Fatalf("tick 1: %v", err)
	}
	if err := e.Tick(); err != nil { // x (script) completes; y (task) starts running
		t.Fatalf("tick 2: %v", err)
	}
	y, _ := store.GetStepByKey(exec.ID, "y")
	if y.Status != StepRunning {
		t.Fatalf("expected y running while waiting on its task, got %s", y.Status)
	}

	if err := e.Tick(); err != nil { // fanout notices x finished, skips y
		t.Fatalf("tick 3: %v", err)
	}
	fanout, _ := store.GetStepByKey(exec.ID, "fanout")
	if fanout.Status != StepCompleted {
		t.Fatalf("expected fanout completed, got %s", fanout.Status)
	}
	y, _ = store.GetStepByKey(exec.ID, "y")
	if y.Status != StepSkipped {
		t.Fatalf("expected y skipped once x won, got %s", y.Status)
	}
}
