package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// LoadWorkflowYAML parses a workflow definition authored as YAML and
// validates its step graph. The returned workflow has no ID; callers
// persist it through Store.CreateWorkflow.
func LoadWorkflowYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fleeterr.Validation("definition", err.Error())
	}
	if err := ValidateDefinition(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadWorkflowFile reads and parses a YAML workflow definition from disk.
func LoadWorkflowFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadWorkflowYAML(data)
}

// ValidateDefinition checks a workflow definition for the structural
// errors that would otherwise only surface mid-execution: duplicate or
// empty step keys, unknown step types, and dependencies on keys that
// don't exist in the graph.
func ValidateDefinition(w *Workflow) error {
	if w.Name == "" {
		return fleeterr.Validation("name", "workflow name is required")
	}
	if len(w.Steps) == 0 {
		return fleeterr.Validation("steps", "workflow must declare at least one step")
	}

	keys := make(map[string]struct{}, len(w.Steps))
	for i, sd := range w.Steps {
		if sd.Key == "" {
			return fleeterr.Validation(fmt.Sprintf("steps[%d].key", i), "step key is required")
		}
		if _, dup := keys[sd.Key]; dup {
			return fleeterr.Validation(fmt.Sprintf("steps[%d].key", i), "duplicate step key "+sd.Key)
		}
		keys[sd.Key] = struct{}{}

		switch sd.Type {
		case StepTask, StepSpawn, StepCheckpoint, StepGate, StepParallel, StepScript:
		default:
			return fleeterr.Validation(fmt.Sprintf("steps[%d].type", i), "unknown step type "+string(sd.Type))
		}

		switch sd.OnFailure {
		case "", OnFailureFail, OnFailureRetry, OnFailureSkip, OnFailureContinue:
		default:
			return fleeterr.Validation(fmt.Sprintf("steps[%d].onFailure", i), "unknown onFailure policy "+string(sd.OnFailure))
		}
	}

	for i, sd := range w.Steps {
		for _, dep := range sd.DependsOn {
			if _, ok := keys[dep]; !ok {
				return fleeterr.Validation(fmt.Sprintf("steps[%d].dependsOn", i), "dependency on unknown step "+dep)
			}
			if dep == sd.Key {
				return fleeterr.Validation(fmt.Sprintf("steps[%d].dependsOn", i), "step "+sd.Key+" depends on itself")
			}
		}
		if sd.Parallel != nil {
			for _, key := range sd.Parallel.StepKeys {
				if _, ok := keys[key]; !ok {
					return fleeterr.Validation(fmt.Sprintf("steps[%d].parallel.stepKeys", i), "fan-out to unknown step "+key)
				}
			}
		}
		if sd.Gate != nil {
			for _, key := range append(append([]string{}, sd.Gate.OnTrue...), sd.Gate.OnFalse...) {
				if _, ok := keys[key]; !ok {
					return fleeterr.Validation(fmt.Sprintf("steps[%d].gate", i), "branch to unknown step "+key)
				}
			}
		}
	}
	return nil
}
