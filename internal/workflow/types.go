// Package workflow implements the per-execution DAG scheduler: workflow
// definitions materialize into step graphs, a cooperative tick advances
// ready steps, and dependency cascades promote newly-unblocked steps.
package workflow

import "time"

// StepType tags which typed config variant a StepDef carries.
type StepType string

const (
	StepTask       StepType = "task"
	StepSpawn      StepType = "spawn"
	StepCheckpoint StepType = "checkpoint"
	StepGate       StepType = "gate"
	StepParallel   StepType = "parallel"
	StepScript     StepType = "script"
)

// OnFailure controls what happens to a step and its execution when the
// step's dispatch or completion reports an error.
type OnFailure string

const (
	OnFailureFail     OnFailure = "fail"
	OnFailureRetry    OnFailure = "retry"
	OnFailureSkip     OnFailure = "skip"
	OnFailureContinue OnFailure = "continue"
)

// ParallelStrategy controls completion semantics for a parallel step's
// fanned-out children.
type ParallelStrategy string

const (
	StrategyAll  ParallelStrategy = "all"
	StrategyAny  ParallelStrategy = "any"
	StrategyRace ParallelStrategy = "race"
)

// StepStatus is a step's lifecycle stage.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed:
		return true
	}
	return false
}

// ExecutionStatus is a workflow execution's lifecycle stage.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecPaused    ExecutionStatus = "paused"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// InputDef declares one workflow input slot.
type InputDef struct {
	Name     string      `json:"name" yaml:"name"`
	Required bool        `json:"required" yaml:"required"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// TaskStepConfig materializes a Task assigned per AssignTo.
type TaskStepConfig struct {
	Team     string `json:"team" yaml:"team"`
	Subject  string `json:"subject" yaml:"subject"`
	AssignTo string `json:"assignTo" yaml:"assignTo"`
}

// SpawnStepConfig enqueues a SpawnRequest for an agent role.
type SpawnStepConfig struct {
	AgentRole string `json:"agentRole" yaml:"agentRole"`
	Task      string `json:"task" yaml:"task"`
}

// CheckpointStepConfig creates a handoff-backed checkpoint addressed to
// ToHandle; if WaitForAcceptance the step only completes once decided.
type CheckpointStepConfig struct {
	ToHandle          string `json:"toHandle" yaml:"toHandle"`
	WaitForAcceptance bool   `json:"waitForAcceptance" yaml:"waitForAcceptance"`
}

// GateStepConfig evaluates Condition and branches to OnTrue or OnFalse
// step keys.
type GateStepConfig struct {
	Condition string   `json:"condition" yaml:"condition"`
	OnTrue    []string `json:"onTrue" yaml:"onTrue"`
	OnFalse   []string `json:"onFalse" yaml:"onFalse"`
}

// ParallelStepConfig promotes every key in StepKeys to ready together.
type ParallelStepConfig struct {
	StepKeys []string         `json:"stepKeys" yaml:"stepKeys"`
	Strategy ParallelStrategy `json:"strategy" yaml:"strategy"`
}

// ScriptStepConfig evaluates Script in the guard expression language and
// writes the result to the step's output.
type ScriptStepConfig struct {
	Script string `json:"script" yaml:"script"`
}

// StepDef is one node in a workflow definition's DAG.
type StepDef struct {
	Key        string    `json:"key" yaml:"key"`
	Type       StepType  `json:"type" yaml:"type"`
	DependsOn  []string  `json:"dependsOn" yaml:"dependsOn"`
	MaxRetries int       `json:"maxRetries" yaml:"maxRetries"`
	OnFailure  OnFailure `json:"onFailure" yaml:"onFailure"`
	TimeoutMs  int       `json:"timeoutMs" yaml:"timeoutMs"`
	Guard      string    `json:"guard,omitempty" yaml:"guard,omitempty"`

	Task       *TaskStepConfig       `json:"task,omitempty" yaml:"task,omitempty"`
	Spawn      *SpawnStepConfig      `json:"spawn,omitempty" yaml:"spawn,omitempty"`
	Checkpoint *CheckpointStepConfig `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Gate       *GateStepConfig       `json:"gate,omitempty" yaml:"gate,omitempty"`
	Parallel   *ParallelStepConfig   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Script     *ScriptStepConfig     `json:"script,omitempty" yaml:"script,omitempty"`
}

// Workflow is a reusable or one-off DAG definition. Version starts at 1
// and increments on every update. An Execution records only WorkflowID,
// not the version it ran against.
type Workflow struct {
	ID         string     `json:"id" yaml:"id,omitempty"`
	Name       string     `json:"name" yaml:"name"`
	Version    int        `json:"version" yaml:"-"`
	IsTemplate bool       `json:"isTemplate" yaml:"isTemplate"`
	Inputs     []InputDef `json:"inputs" yaml:"inputs"`
	Steps      []StepDef  `json:"steps" yaml:"steps"`
	CreatedAt  time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time  `json:"updatedAt" yaml:"-"`
}

// Execution is one run of a Workflow.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	SwarmID     string                 `json:"swarmId,omitempty"`
	Status      ExecutionStatus        `json:"status"`
	Inputs      map[string]interface{} `json:"inputs"`
	Context     map[string]interface{} `json:"context"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Step is one materialized node of a running execution.
type Step struct {
	ID             string                 `json:"id"`
	ExecutionID    string                 `json:"executionId"`
	Key            string                 `json:"key"`
	Type           StepType               `json:"type"`
	DependsOn      []string               `json:"dependsOn"`
	BlockedByCount int                    `json:"blockedByCount"`
	MaxRetries     int                    `json:"maxRetries"`
	RetryCount     int                    `json:"retryCount"`
	OnFailure      OnFailure              `json:"onFailure"`
	TimeoutMs      int                    `json:"timeoutMs"`
	Guard          string                 `json:"guard,omitempty"`
	Status         StepStatus             `json:"status"`
	AssignedTo     string                 `json:"assignedTo,omitempty"`
	TaskID         string                 `json:"taskId,omitempty"`
	SpawnRequestID string                 `json:"spawnRequestId,omitempty"`
	HandoffID      string                 `json:"handoffId,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`

	Def StepDef `json:"def"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
