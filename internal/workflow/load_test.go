package workflow

import (
	"testing"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

const sampleYAML = `
name: build-and-review
isTemplate: true
inputs:
  - name: repo
    required: true
  - name: reviewers
    default: 2
steps:
  - key: prep
    type: script
    script:
      script: "1 + 1"
  - key: build
    type: task
    dependsOn: [prep]
    onFailure: retry
    maxRetries: 2
    task:
      team: core
      subject: build the repo
      assignTo: builder
  - key: gate
    type: gate
    dependsOn: [build]
    gate:
      condition: "steps.prep.output.value == 2"
      onTrue: [review]
      onFalse: []
  - key: review
    type: spawn
    dependsOn: [gate]
    spawn:
      agentRole: reviewer
      task: review the build
`

func TestLoadWorkflowYAML(t *testing.T) {
	w, err := LoadWorkflowYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.Name != "build-and-review" {
		t.Errorf("name = %q", w.Name)
	}
	if !w.IsTemplate {
		t.Error("isTemplate should be true")
	}
	if len(w.Inputs) != 2 || w.Inputs[0].Name != "repo" || !w.Inputs[0].Required {
		t.Errorf("inputs parsed wrong: %+v", w.Inputs)
	}
	if len(w.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(w.Steps))
	}
	build := w.Steps[1]
	if build.Type != StepTask || build.OnFailure != OnFailureRetry || build.MaxRetries != 2 {
		t.Errorf("build step parsed wrong: %+v", build)
	}
	if build.Task == nil || build.Task.AssignTo != "builder" {
		t.Errorf("task config parsed wrong: %+v", build.Task)
	}
	gate := w.Steps[2]
	if gate.Gate == nil || len(gate.Gate.OnTrue) != 1 || gate.Gate.OnTrue[0] != "review" {
		t.Errorf("gate config parsed wrong: %+v", gate.Gate)
	}
}

func TestValidateDefinition(t *testing.T) {
	cases := []struct {
		name  string
		wf    Workflow
		field string
	}{
		{
			name:  "missing name",
			wf:    Workflow{Steps: []StepDef{{Key: "a", Type: StepScript}}},
			field: "name",
		},
		{
			name:  "no steps",
			wf:    Workflow{Name: "x"},
			field: "steps",
		},
		{
			name: "duplicate key",
			wf: Workflow{Name: "x", Steps: []StepDef{
				{Key: "a", Type: StepScript},
				{Key: "a", Type: StepScript},
			}},
			field: "steps[1].key",
		},
		{
			name: "unknown type",
			wf: Workflow{Name: "x", Steps: []StepDef{
				{Key: "a", Type: "mystery"},
			}},
			field: "steps[0].type",
		},
		{
			name: "unknown dependency",
			wf: Workflow{Name: "x", Steps: []StepDef{
				{Key: "a", Type: StepScript, DependsOn: []string{"ghost"}},
			}},
			field: "steps[0].dependsOn",
		},
		{
			name: "self dependency",
			wf: Workflow{Name: "x", Steps: []StepDef{
				{Key: "a", Type: StepScript, DependsOn: []string{"a"}},
			}},
			field: "steps[0].dependsOn",
		},
		{
			name: "gate branch to unknown step",
			wf: Workflow{Name: "x", Steps: []StepDef{
				{Key: "g", Type: StepGate, Gate: &GateStepConfig{Condition: "1", OnTrue: []string{"ghost"}}},
			}},
			field: "steps[0].gate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDefinition(&tc.wf)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			fe, ok := err.(*fleeterr.Error)
			if !ok || fe.Kind != fleeterr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if fe.Field != tc.field {
				t.Errorf("field = %q, want %q", fe.Field, tc.field)
			}
		})
	}
}

func TestUpdateWorkflowBumpsVersion(t *testing.T) {
	_, store := newTestEngine(t)

	wf := &Workflow{
		Name:  "versioned",
		Steps: []StepDef{{Key: "a", Type: StepScript, Script: &ScriptStepConfig{Script: "1"}}},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	if wf.Version != 1 {
		t.Errorf("new workflow version = %d, want 1", wf.Version)
	}

	wf.Steps = append(wf.Steps, StepDef{Key: "b", Type: StepScript, DependsOn: []string{"a"}, Script: &ScriptStepConfig{Script: "2"}})
	if err := store.UpdateWorkflow(wf); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetWorkflow(wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version after update = %d, want 2", got.Version)
	}
	if len(got.Steps) != 2 {
		t.Errorf("steps after update = %d, want 2", len(got.Steps))
	}
}

func TestCreateWorkflowDuplicateName(t *testing.T) {
	_, store := newTestEngine(t)

	wf := &Workflow{Name: "dup", Steps: []StepDef{{Key: "a", Type: StepScript}}}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	again := &Workflow{Name: "dup", Steps: []StepDef{{Key: "a", Type: StepScript}}}
	err := store.CreateWorkflow(again)
	if !fleeterr.Is(err, fleeterr.KindConflict) {
		t.Errorf("expected conflict for duplicate name, got %v", err)
	}
}
