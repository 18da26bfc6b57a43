package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/fleeterr"
	"github.com/fleetcore/fleetcore/internal/guard"
	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/mailbox"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
	"github.com/fleetcore/fleetcore/internal/tasks"
)

// defaultMaxReadyPerTick bounds how many ready steps a single tick
// dispatches per execution, so one execution with a wide fan-out can't
// starve the others sharing the scheduler's tick.
const defaultMaxReadyPerTick = 5

// Event types the engine publishes to the bus.
const (
	EventStarted       eventbus.EventType = "workflow:started"
	EventCompleted     eventbus.EventType = "workflow:completed"
	EventFailed        eventbus.EventType = "workflow:failed"
	EventStepCompleted eventbus.EventType = "workflow:step_completed"
)

// Deps are the engine's external collaborators for step dispatch. Any of
// them may be nil; a step type whose dependency is unset fails at dispatch
// rather than panicking, so an engine embedded in a test harness that only
// exercises DAG mechanics need not wire all four.
type Deps struct {
	Tasks      *tasks.Store
	SpawnQueue *spawnqueue.Controller
	Mailbox    *mailbox.Store
	Bus        *eventbus.Bus
}

// Engine is the per-execution DAG scheduler: it materializes workflow
// definitions into step graphs, dispatches ready steps by type, and
// cascades dependency completions forward.
type Engine struct {
	store           *Store
	deps            Deps
	MaxReadyPerTick int
}

// NewEngine creates an engine over store, wired to deps for step dispatch.
func NewEngine(store *Store, deps Deps) *Engine {
	return &Engine{store: store, deps: deps, MaxReadyPerTick: defaultMaxReadyPerTick}
}

// StartExecution loads workflow, validates and merges inputs, materializes
// every StepDef into a Step row, promotes dependency-free steps to ready,
// and transitions the execution to running.
func (e *Engine) StartExecution(workflowID string, callerInputs, triggerPayload map[string]interface{}, swarmID, createdBy string) (*Execution, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{})
	for _, in := range wf.Inputs {
		if v, ok := callerInputs[in.Name]; ok {
			merged[in.Name] = v
			continue
		}
		if in.Required {
			return nil, fleeterr.Validation(in.Name, fmt.Sprintf("missing required input %q", in.Name))
		}
		if in.Default != nil {
			merged[in.Name] = in.Default
		}
	}

	context := map[string]interface{}{
		"inputs": merged,
		"steps":  map[string]interface{}{},
	}
	if triggerPayload != nil {
		context["trigger"] = triggerPayload
	}

	exec := &Execution{
		WorkflowID: wf.ID,
		SwarmID:    swarmID,
		Status:     ExecPending,
		Inputs:     merged,
		Context:    context,
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	for _, sd := range wf.Steps {
		st := &Step{
			ExecutionID:    exec.ID,
			Key:            sd.Key,
			Type:           sd.Type,
			DependsOn:      sd.DependsOn,
			BlockedByCount: len(sd.DependsOn),
			MaxRetries:     sd.MaxRetries,
			OnFailure:      sd.OnFailure,
			TimeoutMs:      sd.TimeoutMs,
			Guard:          sd.Guard,
			Status:         StepPending,
			Def:            sd,
			CreatedAt:      time.Now(),
		}
		if st.BlockedByCount == 0 {
			st.Status = StepReady
		}
		if err := e.store.CreateStep(st); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateExecutionStatus(exec.ID, ExecRunning, "", true, false); err != nil {
		return nil, err
	}
	exec.Status = ExecRunning
	e.emit(EventStarted, exec, "")
	return exec, nil
}

// Tick advances every running execution by one scheduling pass: it
// resolves in-flight steps that have finished externally, times out
// stalled running steps, and dispatches up to MaxReadyPerTick ready steps
// per execution. It never blocks on an external call; dispatch merely
// kicks off work and returns.
func (e *Engine) Tick() error {
	execs, err := e.store.ListExecutions(ExecRunning)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := e.tickExecution(exec); err != nil {
			e.failExecution(exec, err.Error())
		}
	}
	return nil
}

func (e *Engine) tickExecution(exec *Execution) error {
	if err := e.sweepTimeouts(exec); err != nil {
		return err
	}
	if !e.refresh(exec) {
		return nil
	}

	running, err := e.store.ListStepsByStatus(exec.ID, StepRunning)
	if err != nil {
		return err
	}
	if err := e.checkRunningSteps(exec, running); err != nil {
		return err
	}
	if !e.refresh(exec) {
		return nil
	}

	ready, err := e.store.ListStepsByStatus(exec.ID, StepReady)
	if err != nil {
		return err
	}
	if len(ready) > e.MaxReadyPerTick {
		ready = ready[:e.MaxReadyPerTick]
	}
	for _, st := range ready {
		if err := e.dispatchStep(exec, st); err != nil {
			return err
		}
		if !e.refresh(exec) {
			return nil
		}
	}
	return nil
}

// refresh reloads exec in place and reports whether it is still running.
func (e *Engine) refresh(exec *Execution) bool {
	cur, err := e.store.GetExecution(exec.ID)
	if err != nil {
		return false
	}
	*exec = *cur
	return exec.Status == ExecRunning
}

func (e *Engine) sweepTimeouts(exec *Execution) error {
	running, err := e.store.ListStepsByStatus(exec.ID, StepRunning)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, st := range running {
		if st.TimeoutMs <= 0 || st.StartedAt == nil {
			continue
		}
		if now.Sub(*st.StartedAt) > time.Duration(st.TimeoutMs)*time.Millisecond {
			if err := e.failStep(exec, st, "TimeoutExceeded"); err != nil {
				return err
			}
			if !e.refresh(exec) {
				return nil
			}
		}
	}
	return nil
}

// checkRunningSteps polls the external completion condition for each
// step type that does not complete at dispatch time: a task step watches
// its Task reach resolved, a waiting checkpoint watches its Handoff
// decision, and a parallel step watches its fanned-out children.
func (e *Engine) checkRunningSteps(exec *Execution, steps []*Step) error {
	for _, st := range steps {
		switch st.Type {
		case StepTask:
			if e.deps.Tasks == nil || st.TaskID == "" {
				continue
			}
			t, err := e.deps.Tasks.GetByID(st.TaskID)
			if err != nil {
				continue
			}
			if t.Status == tasks.StatusResolved {
				if err := e.completeStepSuccess(exec, st, map[string]interface{}{"taskId": st.TaskID}); err != nil {
					return err
				}
			}
		case StepCheckpoint:
			cfg := st.Def.Checkpoint
			if cfg == nil || !cfg.WaitForAcceptance || st.HandoffID == "" || e.deps.Mailbox == nil {
				continue
			}
			h, err := e.deps.Mailbox.GetHandoff(st.HandoffID)
			if err != nil {
				continue
			}
			switch h.Status {
			case mailbox.HandoffAccepted:
				if err := e.completeStepSuccess(exec, st, map[string]interface{}{"handoffId": st.HandoffID}); err != nil {
					return err
				}
			case mailbox.HandoffRejected:
				if err := e.failStep(exec, st, "handoff rejected"); err != nil {
					return err
				}
			}
		case StepParallel:
			if err := e.checkParallelCompletion(exec, st); err != nil {
				return err
			}
		}
		if !e.refresh(exec) {
			return nil
		}
	}
	return nil
}

func (e *Engine) checkParallelCompletion(exec *Execution, st *Step) error {
	cfg := st.Def.Parallel
	if cfg == nil {
		return nil
	}
	children := make([]*Step, 0, len(cfg.StepKeys))
	for _, key := range cfg.StepKeys {
		child, err := e.store.GetStepByKey(exec.ID, key)
		if err != nil {
			continue
		}
		children = append(children, child)
	}
	if cfg.Strategy == StrategyAll {
		for _, c := range children {
			if !c.Status.Terminal() {
				return nil
			}
		}
		outputs := make(map[string]interface{}, len(children))
		for _, c := range children {
			outputs[c.Key] = c.Output
		}
		return e.completeStepSuccess(exec, st, outputs)
	}

	// any / race: first completed child wins.
	var winner *Step
	for _, c := range children {
		if c.Status == StepCompleted {
			winner = c
			break
		}
	}
	if winner == nil {
		return nil
	}
	for _, c := range children {
		if c.ID == winner.ID || c.Status.Terminal() {
			continue
		}
		if cfg.Strategy == StrategyRace {
			if err := e.CancelStep(c.ID); err != nil {
				return err
			}
		} else if err := e.skipStep(exec, c); err != nil {
			return err
		}
	}
	return e.completeStepSuccess(exec, st, map[string]interface{}{"winner": winner.Key, "output": winner.Output})
}

// dispatchStep evaluates a step's guard (if any), then dispatches by type.
func (e *Engine) dispatchStep(exec *Execution, st *Step) error {
	if st.Guard != "" {
		ok, err := guard.EvalBool(st.Guard, exec.Context)
		if err != nil {
			return e.failStep(exec, st, err.Error())
		}
		if !ok {
			return e.skipStep(exec, st)
		}
	}

	switch st.Type {
	case StepTask:
		return e.dispatchTask(exec, st)
	case StepSpawn:
		return e.dispatchSpawn(exec, st)
	case StepCheckpoint:
		return e.dispatchCheckpoint(exec, st)
	case StepGate:
		return e.dispatchGate(exec, st)
	case StepParallel:
		return e.dispatchParallel(exec, st)
	case StepScript:
		return e.dispatchScript(exec, st)
	default:
		return e.failStep(exec, st, "unknown step type "+string(st.Type))
	}
}

func (e *Engine) dispatchTask(exec *Execution, st *Step) error {
	cfg := st.Def.Task
	if cfg == nil || e.deps.Tasks == nil {
		return e.failStep(exec, st, "task step missing config or task store")
	}
	t := tasks.New(identity.TeamName(cfg.Team), identity.Handle(cfg.AssignTo), identity.Handle("workflow-engine"), cfg.Subject, "")
	if err := e.deps.Tasks.Create(t); err != nil {
		return e.failStep(exec, st, err.Error())
	}
	st.TaskID = t.ID
	st.AssignedTo = cfg.AssignTo
	st.Status = StepRunning
	now := time.Now()
	st.StartedAt = &now
	return e.store.UpdateStep(st)
}

func (e *Engine) dispatchSpawn(exec *Execution, st *Step) error {
	cfg := st.Def.Spawn
	if cfg == nil || e.deps.SpawnQueue == nil {
		return e.failStep(exec, st, "spawn step missing config or spawn queue")
	}
	req := spawnqueue.New("workflow-engine", cfg.AgentRole, cfg.Task, exec.SwarmID, 0, 0, "", nil)
	if _, err := e.deps.SpawnQueue.Enqueue(req); err != nil {
		return e.failStep(exec, st, err.Error())
	}
	st.SpawnRequestID = req.ID
	st.Status = StepRunning
	now := time.Now()
	st.StartedAt = &now
	return e.store.UpdateStep(st)
}

func (e *Engine) dispatchCheckpoint(exec *Execution, st *Step) error {
	cfg := st.Def.Checkpoint
	if cfg == nil || e.deps.Mailbox == nil {
		return e.failStep(exec, st, "checkpoint step missing config or mailbox store")
	}
	ctxJSON, _ := json.Marshal(exec.Context)
	h := mailbox.NewHandoff("workflow-engine", cfg.ToHandle, "workflow checkpoint", string(ctxJSON))
	if err := e.deps.Mailbox.CreateHandoff(h); err != nil {
		return e.failStep(exec, st, err.Error())
	}
	st.HandoffID = h.ID
	if !cfg.WaitForAcceptance {
		return e.completeStepSuccess(exec, st, map[string]interface{}{"handoffId": h.ID})
	}
	st.Status = StepRunning
	now := time.Now()
	st.StartedAt = &now
	return e.store.UpdateStep(st)
}

func (e *Engine) dispatchGate(exec *Execution, st *Step) error {
	cfg := st.Def.Gate
	if cfg == nil {
		return e.failStep(exec, st, "gate step missing config")
	}
	result, err := guard.EvalBool(cfg.Condition, exec.Context)
	if err != nil {
		return e.failStep(exec, st, err.Error())
	}
	takeBranch, otherBranch := cfg.OnFalse, cfg.OnTrue
	if result {
		takeBranch, otherBranch = cfg.OnTrue, cfg.OnFalse
	}
	for _, key := range takeBranch {
		child, err := e.store.GetStepByKey(exec.ID, key)
		if err != nil || child.Status != StepPending {
			continue
		}
		e.promoteReady(child)
	}
	for _, key := range otherBranch {
		child, err := e.store.GetStepByKey(exec.ID, key)
		if err != nil || child.Status.Terminal() {
			continue
		}
		if err := e.skipStep(exec, child); err != nil {
			return err
		}
		if !e.refresh(exec) {
			return nil
		}
	}
	return e.completeStepSuccess(exec, st, map[string]interface{}{"result": result})
}

func (e *Engine) dispatchParallel(exec *Execution, st *Step) error {
	cfg := st.Def.Parallel
	if cfg == nil {
		return e.failStep(exec, st, "parallel step missing config")
	}
	for _, key := range cfg.StepKeys {
		child, err := e.store.GetStepByKey(exec.ID, key)
		if err != nil || child.Status != StepPending {
			continue
		}
		e.promoteReady(child)
	}
	st.Status = StepRunning
	now := time.Now()
	st.StartedAt = &now
	return e.store.UpdateStep(st)
}

func (e *Engine) dispatchScript(exec *Execution, st *Step) error {
	cfg := st.Def.Script
	if cfg == nil {
		return e.failStep(exec, st, "script step missing config")
	}
	v, err := guard.Eval(cfg.Script, exec.Context)
	if err != nil {
		return e.failStep(exec, st, err.Error())
	}
	return e.completeStepSuccess(exec, st, map[string]interface{}{"value": v})
}

// promoteReady forces a pending step directly to ready, bypassing the
// normal blockedByCount cascade. Used by gate/parallel steps that fan
// their children out immediately rather than waiting for a completion
// to decrement a counter.
func (e *Engine) promoteReady(st *Step) {
	st.Status = StepReady
	st.BlockedByCount = 0
	e.store.UpdateStep(st)
}

func (e *Engine) skipStep(exec *Execution, st *Step) error {
	st.Status = StepSkipped
	if err := e.store.UpdateStep(st); err != nil {
		return err
	}
	if err := e.cascade(exec, st.Key); err != nil {
		return err
	}
	return e.checkCompletion(exec)
}

// CancelStep force-terminates a running step (used by the parallel step's
// race strategy to stop the losing siblings). A late completeStep against
// a cancelled step is a no-op per its now-terminal status.
func (e *Engine) CancelStep(stepID string) error {
	st, err := e.store.GetStep(stepID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}
	exec, err := e.store.GetExecution(st.ExecutionID)
	if err != nil {
		return err
	}
	st.Status = StepSkipped
	st.Error = "cancelled by race"
	now := time.Now()
	st.CompletedAt = &now
	if err := e.store.UpdateStep(st); err != nil {
		return err
	}
	if err := e.cascade(exec, st.Key); err != nil {
		return err
	}
	return e.checkCompletion(exec)
}

// RetryStep manually re-readies a failed step. If the step's failure
// took the whole execution down, the execution is revived to running so
// the next tick picks the step back up.
func (e *Engine) RetryStep(stepID string) error {
	st, err := e.store.GetStep(stepID)
	if err != nil {
		return err
	}
	if st.Status != StepFailed {
		return fleeterr.Conflict("StepNotFailed", "only failed steps can be retried")
	}
	exec, err := e.store.GetExecution(st.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status == ExecCancelled || exec.Status == ExecCompleted {
		return fleeterr.Conflict("ExecutionFinished", "execution is already "+string(exec.Status))
	}
	st.Status = StepReady
	st.Error = ""
	st.CompletedAt = nil
	st.StartedAt = nil
	if err := e.store.UpdateStep(st); err != nil {
		return err
	}
	if exec.Status == ExecFailed {
		return e.store.ReviveExecution(exec.ID)
	}
	return nil
}

// CompleteStep is the external hook task/spawn steps use to report
// finish. It is a no-op returning false for a step already in a terminal
// status, or for a step whose execution has already reached a terminal
// status itself (late completion after cancel).
func (e *Engine) CompleteStep(stepID string, output map[string]interface{}, errMsg string) (bool, error) {
	st, err := e.store.GetStep(stepID)
	if err != nil {
		return false, err
	}
	if st.Status.Terminal() {
		return false, nil
	}
	exec, err := e.store.GetExecution(st.ExecutionID)
	if err != nil {
		return false, err
	}
	if exec.Status != ExecRunning && exec.Status != ExecPaused {
		return false, nil
	}
	if errMsg != "" {
		return true, e.failStep(exec, st, errMsg)
	}
	return true, e.completeStepSuccess(exec, st, output)
}

func (e *Engine) completeStepSuccess(exec *Execution, st *Step, output map[string]interface{}) error {
	st.Output = output
	st.Status = StepCompleted
	now := time.Now()
	st.CompletedAt = &now
	if err := e.store.UpdateStep(st); err != nil {
		return err
	}
	e.recordOutput(exec, st.Key, output)
	e.emit(EventStepCompleted, exec, st.Key)
	if err := e.cascade(exec, st.Key); err != nil {
		return err
	}
	return e.checkCompletion(exec)
}

// failStep applies the step's onFailure policy: retry re-readies it
// (until retries are exhausted, at which point it fails the execution
// like the default fail policy), skip/continue cascade as if the step
// had completed, and fail ends the execution outright.
func (e *Engine) failStep(exec *Execution, st *Step, errMsg string) error {
	switch st.Def.OnFailure {
	case OnFailureRetry:
		if st.RetryCount < st.MaxRetries {
			st.RetryCount++
			st.Error = ""
			st.Status = StepReady
			return e.store.UpdateStep(st)
		}
		return e.terminalFail(exec, st, errMsg, false)
	case OnFailureSkip:
		st.Status = StepSkipped
		st.Error = errMsg
		now := time.Now()
		st.CompletedAt = &now
		if err := e.store.UpdateStep(st); err != nil {
			return err
		}
		if err := e.cascade(exec, st.Key); err != nil {
			return err
		}
		return e.checkCompletion(exec)
	case OnFailureContinue:
		return e.terminalFail(exec, st, errMsg, true)
	default: // fail
		return e.terminalFail(exec, st, errMsg, false)
	}
}

// terminalFail marks st failed. When cascadeAsCompleted is true (the
// onFailure=continue policy) the step's dependents are unblocked as if it
// had completed; otherwise the whole execution fails immediately.
func (e *Engine) terminalFail(exec *Execution, st *Step, errMsg string, cascadeAsCompleted bool) error {
	st.Status = StepFailed
	st.Error = errMsg
	now := time.Now()
	st.CompletedAt = &now
	if err := e.store.UpdateStep(st); err != nil {
		return err
	}
	if !cascadeAsCompleted {
		return e.failExecution(exec, fmt.Sprintf("step %s failed: %s", st.Key, errMsg))
	}
	if err := e.cascade(exec, st.Key); err != nil {
		return err
	}
	return e.checkCompletion(exec)
}

// cascade decrements blockedByCount on every pending step depending on
// finishedKey, promoting any that reach zero to ready.
func (e *Engine) cascade(exec *Execution, finishedKey string) error {
	deps, err := e.store.ListStepsDependingOn(exec.ID, finishedKey)
	if err != nil {
		return err
	}
	for _, st := range deps {
		if st.BlockedByCount > 0 {
			st.BlockedByCount--
		}
		if st.BlockedByCount == 0 {
			st.Status = StepReady
		}
		if err := e.store.UpdateStep(st); err != nil {
			return err
		}
	}
	return nil
}

// checkCompletion transitions the execution to completed once every step
// is completed, skipped, or failed-with-onFailure=continue.
func (e *Engine) checkCompletion(exec *Execution) error {
	steps, err := e.store.ListSteps(exec.ID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		done := st.Status == StepCompleted || st.Status == StepSkipped ||
			(st.Status == StepFailed && st.Def.OnFailure == OnFailureContinue)
		if !done {
			return nil
		}
	}
	return e.completeExecution(exec)
}

func (e *Engine) completeExecution(exec *Execution) error {
	if err := e.store.UpdateExecutionStatus(exec.ID, ExecCompleted, "", false, true); err != nil {
		return err
	}
	exec.Status = ExecCompleted
	e.emit(EventCompleted, exec, "")
	return nil
}

func (e *Engine) failExecution(exec *Execution, msg string) error {
	if err := e.store.UpdateExecutionStatus(exec.ID, ExecFailed, msg, false, true); err != nil {
		return err
	}
	exec.Status = ExecFailed
	exec.Error = msg
	e.emit(EventFailed, exec, "")
	return nil
}

// recordOutput writes a step's output into the execution's merged
// context under steps.<key>.output and persists it, so later guards and
// gate conditions can reference it.
func (e *Engine) recordOutput(exec *Execution, key string, output map[string]interface{}) {
	stepsMap, _ := exec.Context["steps"].(map[string]interface{})
	if stepsMap == nil {
		stepsMap = map[string]interface{}{}
	}
	stepsMap[key] = map[string]interface{}{"output": output}
	exec.Context["steps"] = stepsMap
	e.store.SaveExecutionContext(exec.ID, exec.Context)
}

// Pause is only valid from running; paused executions are skipped by
// Tick, though their in-flight steps may still be completed externally.
func (e *Engine) Pause(executionID string) error {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecRunning {
		return fleeterr.Conflict("ExecutionNotRunning", "execution must be running to pause")
	}
	return e.store.UpdateExecutionStatus(executionID, ExecPaused, "", false, false)
}

// Resume is only valid from paused.
func (e *Engine) Resume(executionID string) error {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecPaused {
		return fleeterr.Conflict("ExecutionNotPaused", "execution must be paused to resume")
	}
	return e.store.UpdateExecutionStatus(executionID, ExecRunning, "", false, false)
}

// Cancel is valid from running or paused and is terminal. In-flight
// external steps (spawn/task) are not force-killed; a late completion
// is not recorded: CompleteStep discards it as a no-op.
func (e *Engine) Cancel(executionID string) error {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecRunning && exec.Status != ExecPaused {
		return fleeterr.Conflict("ExecutionNotCancellable", "execution must be running or paused to cancel")
	}
	return e.store.UpdateExecutionStatus(executionID, ExecCancelled, "Cancelled by user", false, true)
}

func (e *Engine) emit(eventType eventbus.EventType, exec *Execution, stepKey string) {
	if e.deps.Bus == nil {
		return
	}
	payload := map[string]interface{}{"executionId": exec.ID, "workflowId": exec.WorkflowID}
	if stepKey != "" {
		payload["stepKey"] = stepKey
	}
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	e.deps.Bus.Publish(*eventbus.NewEvent(eventType, "workflow", "all", payload))
}
