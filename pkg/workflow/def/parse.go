package def

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Parse decodes workflow YAML into a Definition and validates it. Two
// parses of the same bytes produce structurally equal definitions.
func Parse(data []byte) (*Definition, []string, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(&d); err != nil {
		return nil, nil, wferrors.Wrap(wferrors.KindValidation, "parse workflow YAML", err)
	}

	normalizeDefinition(&d)
	assignStepIDs(d.Steps, "steps")
	for name, task := range d.SubAgentTasks {
		assignStepIDs(task.Steps, "sub_agent_tasks."+name+".steps")
		d.SubAgentTasks[name] = task
	}

	warnings, err := Validate(&d)
	if err != nil {
		return nil, nil, err
	}
	return &d, warnings, nil
}

// normalizeDefinition converts YAML-decoded values into the engine's
// canonical value model: all numbers as float64, all mappings as
// map[string]any.
func normalizeDefinition(d *Definition) {
	d.DefaultState.State = normalizeMap(d.DefaultState.State)
	for name, input := range d.Inputs {
		input.Default = normalizeValue(input.Default)
		input.Schema = normalizeMap(input.Schema)
		d.Inputs[name] = input
	}
	for name, comp := range d.StateSchema.Computed {
		comp.Fallback = normalizeValue(comp.Fallback)
		d.StateSchema.Computed[name] = comp
	}
	normalizeSteps(d.Steps)
	for name, task := range d.SubAgentTasks {
		for iname, input := range task.Inputs {
			input.Default = normalizeValue(input.Default)
			input.Schema = normalizeMap(input.Schema)
			task.Inputs[iname] = input
		}
		normalizeSteps(task.Steps)
		d.SubAgentTasks[name] = task
	}
}

func normalizeSteps(steps []Step) {
	for i := range steps {
		s := &steps[i]
		s.Value = normalizeValue(s.Value)
		s.Parameters = normalizeMap(s.Parameters)
		s.ResponseSchema = normalizeMap(s.ResponseSchema)
		if s.ErrorHandling != nil {
			s.ErrorHandling.FallbackValue = normalizeValue(s.ErrorHandling.FallbackValue)
		}
		normalizeSteps(s.ThenSteps)
		normalizeSteps(s.ElseSteps)
		normalizeSteps(s.Body)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// assignStepIDs fills missing step ids with their structural location so
// every step is addressable in step_complete calls and error reports.
func assignStepIDs(steps []Step, prefix string) {
	for i := range steps {
		s := &steps[i]
		loc := fmt.Sprintf("%s.%d", prefix, i)
		if s.ID == "" {
			s.ID = loc
		}
		assignStepIDs(s.ThenSteps, loc+".then_steps")
		assignStepIDs(s.ElseSteps, loc+".else_steps")
		assignStepIDs(s.Body, loc+".body")
	}
}
